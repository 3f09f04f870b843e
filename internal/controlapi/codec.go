package controlapi

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// Codec marshals plain Go structs as JSON for connect clients and handlers.
type Codec struct{}

var _ connect.Codec = Codec{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// WithCodec is the option every client and handler in this module uses.
func WithCodec() connect.Option {
	return connect.WithCodec(Codec{})
}
