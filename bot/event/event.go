// Package event wraps GitHub webhook payloads and
// exposes nested values through slash-separated path
// lookup (e.g. "repository/owner/login").
package event

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Event is one decoded webhook delivery.
type Event struct {
	// Name is the event type from the
	// X-GitHub-Event header, e.g. "pull_request".
	Name string

	// Data is the decoded payload. Numbers are kept
	// as json.Number so identifiers keep their
	// literal form.
	Data map[string]any
}

// Parse decodes a webhook payload of the given event
// type.
func Parse(name string, payload []byte) (*Event, error) {
	const errCtx = "parsing webhook event"

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var data map[string]any

	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf(
			"%s: %s: %w", errCtx, name, err,
		)
	}

	return &Event{Name: name, Data: data}, nil
}

// Get returns the scalar at the slash-separated path.
// A missing segment is a hard failure naming the path
// and the event type.
func (e *Event) Get(path string) (string, error) {
	const errCtx = "reading event path"

	cur := any(e.Data)

	for _, seg := range strings.Split(path, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", e.pathError(errCtx, path)
		}

		cur, ok = m[seg]
		if !ok {
			return "", e.pathError(errCtx, path)
		}
	}

	switch v := cur.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf(
			"%s: %q in event type %q is not a scalar",
			errCtx, path, e.Name,
		)
	}
}

func (e *Event) pathError(
	errCtx string,
	path string,
) error {
	return fmt.Errorf(
		"%s: no %q in event type %q",
		errCtx, path, e.Name,
	)
}
