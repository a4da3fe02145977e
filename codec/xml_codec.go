package codec

import (
	"bytes"
	"encoding/xml"

	"jabber-rpc/value"
)

// XMLCodec encodes one value as a standalone <value> document.
type XMLCodec struct {
	opts []Option
}

// NewXMLCodec returns an XMLCodec.
func NewXMLCodec(opts ...Option) *XMLCodec {
	return &XMLCodec{opts: opts}
}

func (c *XMLCodec) Encode(v value.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, c.opts...).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses data holding exactly one <value> element. Surrounding
// whitespace is allowed, anything else is an error.
func (c *XMLCodec) Decode(data []byte) (value.Value, error) {
	d := NewDecoder(xml.NewDecoder(bytes.NewReader(data)), c.opts...)
	start, err := d.ExpectStart("value")
	if err != nil {
		return nil, err
	}
	v, err := d.DecodeValue(start)
	if err != nil {
		return nil, err
	}
	if err := d.ExpectEOF(); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *XMLCodec) Type() CodecType {
	return CodecTypeXML
}
