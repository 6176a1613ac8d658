// Package codec handles serialization of protocol frames.
//
// The wire format is UTF-8 JSON text (one JSON array per transport
// message), so JSONCodec is the codec that actually carries the protocol;
// the interface keeps serialization separate from framing so the protocol
// package never touches encoding/json directly.
package codec

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec used by the protocol package.
var Default Codec = &JSONCodec{}
