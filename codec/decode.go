package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// dateTimeLayouts are tried in order when decoding <dateTime.iso8601>.
var dateTimeLayouts = []string{
	DateTimeLayout,
	"20060102T150405",
	"2006-01-02T15:04:05",
	"20060102T15:04:05Z07:00",
	time.RFC3339,
}

// Decoder reads values from an XML token stream.
type Decoder struct {
	r        xml.TokenReader
	maxDepth int
}

// NewDecoder returns a Decoder reading tokens from r. An *xml.Decoder is the
// usual source.
func NewDecoder(r xml.TokenReader, opts ...Option) *Decoder {
	o := newOptions(opts)
	return &Decoder{r: r, maxDepth: o.maxDepth}
}

// Next returns the next start element, end element or character data,
// skipping comments, processing instructions and directives.
func (d *Decoder) Next() (xml.Token, error) {
	for {
		tok, err := d.r.Token()
		if err == io.EOF {
			return nil, rpcerrors.Decodingf("unexpected end of input")
		}
		if err != nil {
			return nil, &rpcerrors.DecodingError{Reason: "malformed XML", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t.Copy(), nil
		case xml.EndElement:
			return t, nil
		case xml.CharData:
			return t.Copy(), nil
		}
	}
}

// NextTag returns the next start or end element, failing on non-blank text.
func (d *Decoder) NextTag() (xml.Token, error) {
	for {
		tok, err := d.Next()
		if err != nil {
			return nil, err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if len(bytes.TrimSpace(cd)) != 0 {
				return nil, rpcerrors.Decodingf("unexpected text %q", truncate(string(cd)))
			}
			continue
		}
		return tok, nil
	}
}

// ExpectStart reads the next tag and requires it to open name.
func (d *Decoder) ExpectStart(name string) (xml.StartElement, error) {
	tok, err := d.NextTag()
	if err != nil {
		return xml.StartElement{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != name {
		return xml.StartElement{}, rpcerrors.Decodingf("expected <%s>, found %s", name, describe(tok))
	}
	return start, nil
}

// ExpectEnd reads the next tag and requires it to close name.
func (d *Decoder) ExpectEnd(name string) error {
	tok, err := d.NextTag()
	if err != nil {
		return err
	}
	if end, ok := tok.(xml.EndElement); !ok || end.Name.Local != name {
		return rpcerrors.Decodingf("expected </%s>, found %s", name, describe(tok))
	}
	return nil
}

// ExpectEOF fails unless only whitespace, comments or processing
// instructions remain.
func (d *Decoder) ExpectEOF() error {
	for {
		tok, err := d.r.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &rpcerrors.DecodingError{Reason: "malformed XML", Err: err}
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return rpcerrors.Decodingf("trailing data %s", describe(t))
			}
		case xml.Comment, xml.ProcInst, xml.Directive:
		default:
			return rpcerrors.Decodingf("trailing data %s", describe(t))
		}
	}
}

// Text reads character data up to the end of start. Nested elements are an
// error.
func (d *Decoder) Text(start xml.StartElement) (string, error) {
	var sb strings.Builder
	for {
		tok, err := d.Next()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local != start.Name.Local {
				return "", rpcerrors.Decodingf("expected </%s>, found </%s>", start.Name.Local, t.Name.Local)
			}
			return sb.String(), nil
		case xml.StartElement:
			return "", rpcerrors.Decodingf("unexpected <%s> inside <%s>", t.Name.Local, start.Name.Local)
		}
	}
}

// DecodeValue decodes the value whose <value> start tag was just read. On
// return the matching </value> has been consumed.
func (d *Decoder) DecodeValue(start xml.StartElement) (value.Value, error) {
	return d.value(start, 0)
}

func (d *Decoder) value(start xml.StartElement, depth int) (value.Value, error) {
	if start.Name.Local != "value" {
		return nil, rpcerrors.Decodingf("expected <value>, found <%s>", start.Name.Local)
	}
	var text []byte
	for {
		tok, err := d.Next()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text = append(text, t...)
		case xml.EndElement:
			// A <value> without a type element holds a string.
			return value.String(text), nil
		case xml.StartElement:
			if len(bytes.TrimSpace(text)) != 0 {
				return nil, rpcerrors.Decodingf("text mixed with <%s> inside <value>", t.Name.Local)
			}
			v, err := d.typed(t, depth)
			if err != nil {
				return nil, err
			}
			if err := d.ExpectEnd("value"); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
}

func (d *Decoder) typed(start xml.StartElement, depth int) (value.Value, error) {
	switch name := start.Name.Local; name {
	case "string":
		s, err := d.Text(start)
		if err != nil {
			return nil, err
		}
		return value.String(s), nil

	case "i4", "int":
		s, err := d.Text(start)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, &rpcerrors.DecodingError{Reason: "bad <" + name + ">", Err: err}
		}
		return value.Int(n), nil

	case "boolean":
		s, err := d.Text(start)
		if err != nil {
			return nil, err
		}
		switch strings.TrimSpace(s) {
		case "1", "true":
			return value.Bool(true), nil
		case "0", "false":
			return value.Bool(false), nil
		}
		return nil, rpcerrors.Decodingf("bad <boolean> %q", truncate(s))

	case "double":
		s, err := d.Text(start)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, &rpcerrors.DecodingError{Reason: "bad <double>", Err: err}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, rpcerrors.Decodingf("bad <double> %q", truncate(s))
		}
		return value.Double(f), nil

	case "dateTime.iso8601":
		s, err := d.Text(start)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return value.NewDateTime(t), nil
			}
		}
		return nil, rpcerrors.Decodingf("bad <dateTime.iso8601> %q", truncate(s))

	case "base64":
		s, err := d.Text(start)
		if err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(stripSpace(s))
		if err != nil {
			return nil, &rpcerrors.DecodingError{Reason: "bad <base64>", Err: err}
		}
		return value.Base64(b), nil

	case "nil":
		if err := d.ExpectEnd("nil"); err != nil {
			return nil, err
		}
		return value.Nil{}, nil

	case "array":
		if depth >= d.maxDepth {
			return nil, rpcerrors.Decodingf("nesting deeper than %d", d.maxDepth)
		}
		return d.array(depth)

	case "struct":
		if depth >= d.maxDepth {
			return nil, rpcerrors.Decodingf("nesting deeper than %d", d.maxDepth)
		}
		return d.structure(depth)

	default:
		return nil, rpcerrors.Decodingf("unknown value type <%s>", name)
	}
}

// array reads <data><value/>*</data></array>. An <array/> without <data> is
// accepted as empty.
func (d *Decoder) array(depth int) (value.Value, error) {
	tok, err := d.NextTag()
	if err != nil {
		return nil, err
	}
	if end, ok := tok.(xml.EndElement); ok && end.Name.Local == "array" {
		return value.Array{}, nil
	}
	if err := d.requireStart(tok, "data"); err != nil {
		return nil, err
	}

	arr := value.Array{}
	for {
		tok, err := d.NextTag()
		if err != nil {
			return nil, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "data" {
				return nil, rpcerrors.Decodingf("expected </data>, found </%s>", end.Name.Local)
			}
			break
		}
		v, err := d.value(tok.(xml.StartElement), depth+1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	if err := d.ExpectEnd("array"); err != nil {
		return nil, err
	}
	return arr, nil
}

// structure reads <member><name/><value/></member>* up to </struct>.
// A repeated member name keeps the last value.
func (d *Decoder) structure(depth int) (value.Value, error) {
	var b value.StructBuilder
	for {
		tok, err := d.NextTag()
		if err != nil {
			return nil, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "struct" {
				return nil, rpcerrors.Decodingf("expected </struct>, found </%s>", end.Name.Local)
			}
			return b.Struct(), nil
		}
		if err := d.requireStart(tok, "member"); err != nil {
			return nil, err
		}

		nameStart, err := d.ExpectStart("name")
		if err != nil {
			return nil, err
		}
		name, err := d.Text(nameStart)
		if err != nil {
			return nil, err
		}
		valueStart, err := d.ExpectStart("value")
		if err != nil {
			return nil, err
		}
		v, err := d.value(valueStart, depth+1)
		if err != nil {
			return nil, err
		}
		if err := d.ExpectEnd("member"); err != nil {
			return nil, err
		}
		b.Set(name, v)
	}
}

func (d *Decoder) requireStart(tok xml.Token, name string) error {
	if start, ok := tok.(xml.StartElement); ok && start.Name.Local == name {
		return nil
	}
	return rpcerrors.Decodingf("expected <%s>, found %s", name, describe(tok))
}

func describe(tok xml.Token) string {
	switch t := tok.(type) {
	case xml.StartElement:
		return "<" + t.Name.Local + ">"
	case xml.EndElement:
		return "</" + t.Name.Local + ">"
	case xml.CharData:
		return strconv.Quote(truncate(string(t)))
	}
	return "unexpected token"
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

func truncate(s string) string {
	const max = 40
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
