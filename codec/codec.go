// Package codec converts RPC values to and from their XML wire form.
//
// Every value travels wrapped in a <value> element:
//
//	<value><int>42</int></value>
//	<value><array><data><value>a</value><value><boolean>1</boolean></value></data></array></value>
//	<value><struct><member><name>seat</name><value><string>white</string></value></member></struct></value>
//
// Encoding writes straight into a buffer. Decoding is a recursive descent over
// an xml.TokenReader, one small routine per value type, so the message layer
// can decode values in the middle of a larger document with the same reader.
// Both directions bound container nesting (DefaultMaxDepth).
package codec

import (
	"fmt"

	"jabber-rpc/value"
)

// CodecType identifies a value wire format.
type CodecType byte

const (
	CodecTypeXML CodecType = 0
)

// DefaultMaxDepth bounds how deeply arrays and structs may nest.
const DefaultMaxDepth = 64

// Codec converts a single value to and from its wire form.
type Codec interface {
	Encode(v value.Value) ([]byte, error)
	Decode(data []byte) (value.Value, error)
	Type() CodecType
}

// GetCodec returns the codec for codecType.
func GetCodec(codecType CodecType, opts ...Option) (Codec, error) {
	if codecType == CodecTypeXML {
		return NewXMLCodec(opts...), nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}

// Option tunes an Encoder, Decoder or XMLCodec.
type Option func(*options)

type options struct {
	maxDepth int
}

func newOptions(opts []Option) options {
	o := options{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxDepth sets the maximum number of nested arrays and structs. Values
// below one fall back to DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = DefaultMaxDepth
		}
		o.maxDepth = n
	}
}
