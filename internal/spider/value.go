package spider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a stored key/value entry in its JSON encoding.
type Value []byte

// EncodeValue serializes v for a key/value store.
func EncodeValue(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode value: %w", ErrInvalidArgument, err)
	}
	return Value(data), nil
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst any) error {
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// Bytes returns a copy of the encoded value.
func (v Value) Bytes() []byte {
	return bytes.Clone(v)
}

func (v Value) String() string {
	return string(v)
}
