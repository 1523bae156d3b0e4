package codec

import "fmt"

// Bytes is an identity codec for []byte and string values. No validation is
// performed; strings are assumed to be UTF-8.
type Bytes struct{}

var _ Codec = Bytes{}

func (Bytes) Name() string { return "bytes" }

func (Bytes) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("codec: bytes cannot marshal %T", v)
	}
}

func (Bytes) Unmarshal(b []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = append((*t)[:0], b...)
		return nil
	case *string:
		*t = string(b)
		return nil
	default:
		return fmt.Errorf("codec: bytes cannot unmarshal into %T", v)
	}
}
