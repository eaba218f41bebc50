// Package codec centralizes JSON encoding for diagnostics and configuration.
//
// The debug endpoints of the daemon and the decoded HuJSON config both go
// through a Codec so the JSON implementation can be swapped in one place.
package codec

import (
	"fmt"
	"io"
)

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Encode marshals v with c and writes it to w followed by a newline.
func Encode(w io.Writer, c Codec, v any) error {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec %s: %w", c.Name(), err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
