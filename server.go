package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/richardartoul/scriptdesk/pkg/fetcher"
	"github.com/richardartoul/scriptdesk/pkg/loader"
	"github.com/richardartoul/scriptdesk/pkg/offline"
	"github.com/richardartoul/scriptdesk/pkg/router"
)

// Cmd is a control command.
type Cmd string

const (
	CmdLoad         = Cmd("load")
	CmdCleanCache   = Cmd("clean_cache")
	CmdClearCache   = Cmd("clear_cache")
	CmdEnqueue      = Cmd("enqueue")
	CmdDrain        = Cmd("drain")
	CmdCheckUpdates = Cmd("check_updates")
	CmdCheckConfig  = Cmd("check_config")
	CmdWeather      = Cmd("weather")
	CmdStats        = Cmd("stats")
	CmdClose        = Cmd("close")
)

var knownCommands = []Cmd{
	CmdLoad, CmdCleanCache, CmdClearCache, CmdEnqueue, CmdDrain,
	CmdCheckUpdates, CmdCheckConfig, CmdWeather, CmdStats, CmdClose,
}

// Request is one control request, read as a single JSON line.
type Request struct {
	ID      int64
	Command Cmd
	URL     string          `json:",omitempty"`
	Type    string          `json:",omitempty"`
	NoCache bool            `json:",omitempty"`
	Version string          `json:",omitempty"`
	Kind    string          `json:",omitempty"`
	Payload json.RawMessage `json:",omitempty"`
}

// Response is one control response, written as a single JSON line.
type Response struct {
	ID            int64            `json:",omitempty"`
	Err           string           `json:",omitempty"`
	KnownCommands []Cmd            `json:",omitempty"`
	State         string           `json:",omitempty"`
	JSON          json.RawMessage  `json:",omitempty"`
	Text          string           `json:",omitempty"`
	Data          []byte           `json:",omitempty"`
	Status        int              `json:",omitempty"`
	ItemID        string           `json:",omitempty"`
	Queued        int              `json:",omitempty"`
	Succeeded     int              `json:",omitempty"`
	Removed       int              `json:",omitempty"`
	Updated       bool             `json:",omitempty"`
	Version       string           `json:",omitempty"`
	Reading       string           `json:",omitempty"`
	Latency       []string         `json:",omitempty"`
	Counters      map[string]int64 `json:",omitempty"`
}

// Control serves the JSON-lines control channel.
type Control struct {
	app     *app
	scanner *bufio.Scanner
	writer  *bufio.Writer
	closed  bool
}

// NewControl reads requests from in and writes responses to out.
func NewControl(a *app, in io.Reader, out io.Writer) *Control {
	scanner := bufio.NewScanner(in)
	// Enqueue payloads can be larger than the default 64KB token.
	const maxScanTokenSize = 10 * 1024 * 1024
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	return &Control{
		app:     a,
		scanner: scanner,
		writer:  bufio.NewWriter(out),
	}
}

// SendResponse writes one response line.
func (c *Control) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return c.writer.Flush()
}

// ReadRequest reads the next non-empty request line.
func (c *Control) ReadRequest() (*Request, error) {
	var line string
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}
		line = c.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest executes req and writes its response.
func (c *Control) HandleRequest(ctx context.Context, req *Request) error {
	resp := c.handle(ctx, req)
	resp.ID = req.ID
	return c.SendResponse(resp)
}

func (c *Control) handle(ctx context.Context, req *Request) Response {
	var resp Response
	fail := func(err error) Response {
		resp.Err = err.Error()
		return resp
	}

	switch req.Command {
	case CmdLoad:
		typ := loader.Type(req.Type)
		if typ == "" {
			typ = loader.JSON
		}
		var opts []loader.LoadOption
		if req.NoCache {
			opts = append(opts, loader.WithoutCache())
		}
		v, err := c.app.loader.Load(ctx, req.URL, typ, opts...)
		if err != nil {
			return fail(err)
		}
		if err := encodeValue(&resp, typ, v); err != nil {
			return fail(err)
		}
		resp.State = c.app.loader.State(req.URL, typ).String()

	case CmdCleanCache:
		n, err := c.app.router.CleanCache(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Removed = n

	case CmdClearCache:
		msg := router.Message{Type: router.ClearCacheMessage, Version: req.Version}
		if err := c.app.router.Handle(ctx, msg); err != nil {
			return fail(err)
		}
		c.app.loader.Clear()
		resp.Version = req.Version

	case CmdEnqueue:
		kind, err := offline.ParseKind(req.Kind)
		if err != nil {
			return fail(err)
		}
		var payload any
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				return fail(fmt.Errorf("failed to decode payload: %w", err))
			}
		}
		item := c.app.queue.Enqueue(kind, payload)
		resp.ItemID = item.ID
		resp.Queued = c.app.queue.Len()

	case CmdDrain:
		result := c.app.drain(ctx)
		resp.Succeeded = result.Succeeded
		resp.Queued = len(result.Remaining)

	case CmdCheckUpdates:
		updated, err := c.app.updater.CheckForUpdates(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Updated = updated
		resp.Version = c.app.updater.Version()

	case CmdCheckConfig:
		version, newer, err := c.app.updater.CheckConfigVersion(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Version = version
		resp.Updated = newer

	case CmdWeather:
		reading, err := c.app.weather.Current(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Reading = reading.String()

	case CmdStats:
		for _, s := range c.app.latency.GetAllStats() {
			resp.Latency = append(resp.Latency, s.String())
		}
		resp.Counters = make(map[string]int64)
		for _, counter := range c.app.counters.Snapshot() {
			resp.Counters[counter.Name] = counter.Value
		}
		resp.Queued = c.app.queue.Len()

	case CmdClose:
		// The caller exits after the response is written.

	default:
		return fail(fmt.Errorf("unknown command: %s", req.Command))
	}
	return resp
}

func encodeValue(resp *Response, typ loader.Type, v any) error {
	switch typ {
	case loader.JSON:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		resp.JSON = data
	case loader.Text:
		resp.Text = v.(string)
	case loader.Blob:
		resp.Data = v.([]byte)
	case loader.Raw:
		raw := v.(*fetcher.Response)
		resp.Status = raw.Status
		resp.Data = raw.Body
	}
	return nil
}

// Closed reports whether Run ended on a close command.
func (c *Control) Closed() bool { return c.closed }

// Run sends the capability line and serves requests until EOF, a close
// command or ctx is done.
func (c *Control) Run(ctx context.Context) error {
	if err := c.SendResponse(Response{KnownCommands: knownCommands}); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		req, err := c.ReadRequest()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}
		if err := c.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}
		if req.Command == CmdClose {
			c.closed = true
			return nil
		}
	}
}
