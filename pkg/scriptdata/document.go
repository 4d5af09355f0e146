// Package scriptdata loads the call-center script document and keeps it up to
// date. The document is JSON:
//
//	{"version": "2.1.0", "lastUpdated": "...", "scriptData": {"<topic>": ["<message>", ...]}}
//
// Topic order is significant and is preserved as written.
package scriptdata

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidDocument is returned for bodies that are not a script document.
var ErrInvalidDocument = errors.New("invalid script document")

// Topic is one named group of script messages.
type Topic struct {
	Name     string
	Messages []string
}

// Document is a parsed script document.
type Document struct {
	Version     string
	LastUpdated string
	Topics      []Topic
	// Raw is the document as received. It is what gets persisted.
	Raw []byte
}

// Parse parses a script document. The version field is required.
func Parse(data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidDocument)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidDocument)
	}
	version := root.Get("version")
	if version.Type != gjson.String || version.Str == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidDocument)
	}

	doc := &Document{
		Version:     version.Str,
		LastUpdated: root.Get("lastUpdated").String(),
		Raw:         append([]byte(nil), data...),
	}
	root.Get("scriptData").ForEach(func(key, value gjson.Result) bool {
		t := Topic{Name: key.String()}
		value.ForEach(func(_, msg gjson.Result) bool {
			t.Messages = append(t.Messages, msg.String())
			return true
		})
		doc.Topics = append(doc.Topics, t)
		return true
	})
	return doc, nil
}

// Topic returns the messages of the named topic.
func (d *Document) Topic(name string) ([]string, bool) {
	for _, t := range d.Topics {
		if t.Name == name {
			return t.Messages, true
		}
	}
	return nil, false
}

//go:embed builtin.json
var builtinJSON []byte

// Builtin returns the document compiled into the binary. It is the last
// resort when no remote, persisted or local copy can be read.
func Builtin() *Document {
	doc, err := Parse(builtinJSON)
	if err != nil {
		panic("scriptdata: builtin document is invalid: " + err.Error())
	}
	return doc
}
