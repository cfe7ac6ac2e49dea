// Package jsonrs provides the JSON encoding and decoding functions used across
// the application, backed by json-iterator in its stdlib-compatible mode.
package jsonrs

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is a raw encoded JSON value, embedded verbatim on marshal.
type RawMessage = jsoniter.RawMessage

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent is like Marshal but applies the given prefix and indent.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// MarshalToString returns the JSON encoding of v as a string.
func MarshalToString(v any) (string, error) {
	return json.MarshalToString(v)
}

// NewDecoder returns a decoder that reads from r.
func NewDecoder(r io.Reader) *jsoniter.Decoder {
	return json.NewDecoder(r)
}

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) *jsoniter.Encoder {
	return json.NewEncoder(w)
}
