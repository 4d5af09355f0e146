package loader

import (
	"encoding/json"
	"fmt"

	"github.com/richardartoul/scriptdesk/pkg/fetcher"
)

// Type is the expected result type of a load. It is part of the cache key, so
// the same URL loaded as json and as text occupies two entries.
type Type string

const (
	// JSON decodes the body with encoding/json into an any.
	JSON Type = "json"
	// Text returns the body as a string.
	Text Type = "text"
	// Blob returns the body as a []byte.
	Blob Type = "blob"
	// Raw returns the *fetcher.Response undecoded.
	Raw Type = "raw"
)

func (t Type) valid() bool {
	switch t {
	case JSON, Text, Blob, Raw:
		return true
	}
	return false
}

func decode(resp *fetcher.Response, typ Type) (any, error) {
	switch typ {
	case JSON:
		var v any
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			return nil, &DecodeError{URL: resp.URL, Type: typ, Err: err}
		}
		return v, nil
	case Text:
		return string(resp.Body), nil
	case Blob:
		out := make([]byte, len(resp.Body))
		copy(out, resp.Body)
		return out, nil
	case Raw:
		return resp, nil
	default:
		return nil, &DecodeError{URL: resp.URL, Type: typ, Err: fmt.Errorf("unsupported type")}
	}
}
