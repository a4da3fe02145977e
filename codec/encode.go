package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"math"
	"strconv"
	"unicode/utf8"

	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// DateTimeLayout is the ISO 8601 basic form used on the wire.
const DateTimeLayout = "20060102T15:04:05"

// Encoder appends <value> elements to a buffer.
type Encoder struct {
	buf      *bytes.Buffer
	maxDepth int
}

// NewEncoder returns an Encoder writing to buf.
func NewEncoder(buf *bytes.Buffer, opts ...Option) *Encoder {
	o := newOptions(opts)
	return &Encoder{buf: buf, maxDepth: o.maxDepth}
}

// Encode writes v as a <value> element. On error nothing is written.
func (e *Encoder) Encode(v value.Value) error {
	var tmp bytes.Buffer
	if err := e.writeValue(&tmp, v, 0); err != nil {
		return err
	}
	e.buf.Write(tmp.Bytes())
	return nil
}

func (e *Encoder) writeValue(b *bytes.Buffer, v value.Value, depth int) error {
	b.WriteString("<value>")
	switch v := v.(type) {
	case nil, value.Nil:
		b.WriteString("<nil/>")

	case value.String:
		b.WriteString("<string>")
		if err := writeText(b, string(v)); err != nil {
			return err
		}
		b.WriteString("</string>")

	case value.Int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return rpcerrors.Encodingf("integer %d out of 32-bit range", int64(v))
		}
		b.WriteString("<int>")
		b.WriteString(strconv.FormatInt(int64(v), 10))
		b.WriteString("</int>")

	case value.Double:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return rpcerrors.Encodingf("double %v is not representable", f)
		}
		b.WriteString("<double>")
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		b.WriteString("</double>")

	case value.Bool:
		if v {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}

	case value.DateTime:
		b.WriteString("<dateTime.iso8601>")
		b.WriteString(v.UTC().Format(DateTimeLayout))
		b.WriteString("</dateTime.iso8601>")

	case value.Base64:
		b.WriteString("<base64>")
		b.WriteString(base64.StdEncoding.EncodeToString(v))
		b.WriteString("</base64>")

	case value.Array:
		if depth >= e.maxDepth {
			return rpcerrors.Encodingf("nesting deeper than %d", e.maxDepth)
		}
		b.WriteString("<array><data>")
		for _, elem := range v {
			if err := e.writeValue(b, elem, depth+1); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")

	case value.Struct:
		if depth >= e.maxDepth {
			return rpcerrors.Encodingf("nesting deeper than %d", e.maxDepth)
		}
		b.WriteString("<struct>")
		for _, m := range v.Members() {
			b.WriteString("<member><name>")
			if err := writeText(b, m.Name); err != nil {
				return err
			}
			b.WriteString("</name>")
			if err := e.writeValue(b, m.Value, depth+1); err != nil {
				return err
			}
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")

	default:
		return rpcerrors.Encodingf("unsupported value %T", v)
	}
	b.WriteString("</value>")
	return nil
}

// writeText escapes s into b. Text XML 1.0 cannot carry is rejected rather
// than silently replaced, so a decoded string always equals the encoded one.
func writeText(b *bytes.Buffer, s string) error {
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				return rpcerrors.Encodingf("string is not valid UTF-8 at byte %d", i)
			}
		}
		if !isXMLChar(r) {
			return rpcerrors.Encodingf("character %U cannot be carried in XML", r)
		}
	}
	return xml.EscapeText(b, []byte(s))
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}
