// Package codec turns cache values into bytes and back. Adapters only ever see the
// encoded bytes; the facade owns the Codec.
package codec

import (
	"fmt"
	"strings"
)

// Codec encodes/decodes values to []byte for storage.
// Unmarshal decodes into v, which must be a non-nil pointer.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// ByName resolves a codec from its configuration name.
// Empty selects msgpack.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack":
		return Msgpack{}, nil
	case "json":
		return JSON{}, nil
	case "cbor":
		return NewCBOR(false)
	case "cbor-det", "cbor-deterministic":
		return NewCBOR(true)
	case "proto", "protobuf":
		return Protobuf{}, nil
	case "raw", "bytes":
		return Bytes{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
