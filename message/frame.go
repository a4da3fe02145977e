package message

import (
	"bytes"
	"encoding/xml"

	"jabber-rpc/codec"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// EncodeRequest renders req as a <methodCall> payload. Empty params are
// omitted entirely.
func EncodeRequest(req *Request, opts ...codec.Option) ([]byte, error) {
	if req.Method == "" {
		return nil, rpcerrors.Protocolf("request has no method name")
	}
	var buf bytes.Buffer
	buf.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&buf, []byte(req.Method)); err != nil {
		return nil, &rpcerrors.EncodingError{Reason: "method name", Err: err}
	}
	buf.WriteString("</methodName>")
	if len(req.Params) > 0 {
		enc := codec.NewEncoder(&buf, opts...)
		buf.WriteString("<params>")
		for _, p := range req.Params {
			buf.WriteString("<param>")
			if err := enc.Encode(p); err != nil {
				return nil, err
			}
			buf.WriteString("</param>")
		}
		buf.WriteString("</params>")
	}
	buf.WriteString("</methodCall>")
	return buf.Bytes(), nil
}

// EncodeResponse renders resp as a <methodResponse> payload.
func EncodeResponse(resp *Response, opts ...codec.Option) ([]byte, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, opts...)
	buf.WriteString("<methodResponse>")
	if resp.Fault != nil {
		fault := value.NewStruct(
			value.Member{Name: "faultCode", Value: value.Int(resp.Fault.Code)},
			value.Member{Name: "faultString", Value: value.String(resp.Fault.Message)},
		)
		buf.WriteString("<fault>")
		if err := enc.Encode(fault); err != nil {
			return nil, err
		}
		buf.WriteString("</fault>")
	} else {
		buf.WriteString("<params><param>")
		if err := enc.Encode(resp.Result); err != nil {
			return nil, err
		}
		buf.WriteString("</param></params>")
	}
	buf.WriteString("</methodResponse>")
	return buf.Bytes(), nil
}

// Decode parses a <methodCall> or <methodResponse> payload. Malformed XML and
// bad values fail with a DecodingError; XML that breaks the frame layout
// fails with a ProtocolError.
func Decode(payload []byte, opts ...codec.Option) (Message, error) {
	f := &frameReader{d: codec.NewDecoder(xml.NewDecoder(bytes.NewReader(payload)), opts...)}

	tok, err := f.d.NextTag()
	if err != nil {
		return nil, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, rpcerrors.Protocolf("empty RPC payload")
	}

	var msg Message
	switch start.Name.Local {
	case "methodCall":
		msg, err = f.request()
	case "methodResponse":
		msg, err = f.response()
	default:
		return nil, rpcerrors.Protocolf("unknown RPC payload <%s>", start.Name.Local)
	}
	if err != nil {
		return nil, err
	}
	if err := f.end(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeRequest decodes payload and requires a method call.
func DecodeRequest(payload []byte, opts ...codec.Option) (*Request, error) {
	msg, err := Decode(payload, opts...)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*Request)
	if !ok {
		return nil, rpcerrors.Protocolf("expected <methodCall>, found <methodResponse>")
	}
	return req, nil
}

// DecodeResponse decodes payload and requires a method response.
func DecodeResponse(payload []byte, opts ...codec.Option) (*Response, error) {
	msg, err := Decode(payload, opts...)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*Response)
	if !ok {
		return nil, rpcerrors.Protocolf("expected <methodResponse>, found <methodCall>")
	}
	return resp, nil
}

type frameReader struct {
	d *codec.Decoder
}

func (f *frameReader) start(name string) (xml.StartElement, error) {
	tok, err := f.d.NextTag()
	if err != nil {
		return xml.StartElement{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != name {
		return xml.StartElement{}, rpcerrors.Protocolf("expected <%s>, found %s", name, tokenName(tok))
	}
	return start, nil
}

func (f *frameReader) close(name string) error {
	tok, err := f.d.NextTag()
	if err != nil {
		return err
	}
	if end, ok := tok.(xml.EndElement); !ok || end.Name.Local != name {
		return rpcerrors.Protocolf("expected </%s>, found %s", name, tokenName(tok))
	}
	return nil
}

// request reads the body of <methodCall> including its end tag.
func (f *frameReader) request() (*Request, error) {
	nameStart, err := f.start("methodName")
	if err != nil {
		return nil, err
	}
	method, err := f.d.Text(nameStart)
	if err != nil {
		return nil, err
	}
	if method == "" {
		return nil, rpcerrors.Protocolf("empty <methodName>")
	}
	req := &Request{Method: method}

	tok, err := f.d.NextTag()
	if err != nil {
		return nil, err
	}
	if start, ok := tok.(xml.StartElement); ok {
		if start.Name.Local != "params" {
			return nil, rpcerrors.Protocolf("expected <params>, found <%s>", start.Name.Local)
		}
		if req.Params, err = f.params(); err != nil {
			return nil, err
		}
		return req, f.close("methodCall")
	}
	if end := tok.(xml.EndElement); end.Name.Local != "methodCall" {
		return nil, rpcerrors.Protocolf("expected </methodCall>, found </%s>", end.Name.Local)
	}
	return req, nil
}

// params reads <param><value/></param>* up to and including </params>.
func (f *frameReader) params() ([]value.Value, error) {
	var params []value.Value
	for {
		tok, err := f.d.NextTag()
		if err != nil {
			return nil, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "params" {
				return nil, rpcerrors.Protocolf("expected </params>, found </%s>", end.Name.Local)
			}
			return params, nil
		}
		if start := tok.(xml.StartElement); start.Name.Local != "param" {
			return nil, rpcerrors.Protocolf("expected <param>, found <%s>", start.Name.Local)
		}
		valueStart, err := f.start("value")
		if err != nil {
			return nil, err
		}
		v, err := f.d.DecodeValue(valueStart)
		if err != nil {
			return nil, err
		}
		if err := f.close("param"); err != nil {
			return nil, err
		}
		params = append(params, v)
	}
}

// response reads the body of <methodResponse> including its end tag.
func (f *frameReader) response() (*Response, error) {
	tok, err := f.d.NextTag()
	if err != nil {
		return nil, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, rpcerrors.Protocolf("response carries neither a result nor a fault")
	}

	var resp *Response
	switch start.Name.Local {
	case "params":
		params, err := f.params()
		if err != nil {
			return nil, err
		}
		if len(params) != 1 {
			return nil, rpcerrors.Protocolf("result has %d params, want exactly one", len(params))
		}
		resp = &Response{Result: params[0]}
	case "fault":
		valueStart, err := f.start("value")
		if err != nil {
			return nil, err
		}
		v, err := f.d.DecodeValue(valueStart)
		if err != nil {
			return nil, err
		}
		fault, err := faultFromValue(v)
		if err != nil {
			return nil, err
		}
		if err := f.close("fault"); err != nil {
			return nil, err
		}
		resp = &Response{Fault: fault}
	default:
		return nil, rpcerrors.Protocolf("unknown response element <%s>", start.Name.Local)
	}
	if err := f.close("methodResponse"); err != nil {
		return nil, err
	}
	return resp, nil
}

func faultFromValue(v value.Value) (*rpcerrors.FaultError, error) {
	s, ok := v.(value.Struct)
	if !ok {
		return nil, rpcerrors.Protocolf("fault is a %s, want struct", v.Kind())
	}
	code, ok := s.Get("faultCode")
	if !ok {
		return nil, rpcerrors.Protocolf("fault has no faultCode")
	}
	n, ok := code.(value.Int)
	if !ok {
		return nil, rpcerrors.Protocolf("faultCode is a %s, want int", code.Kind())
	}
	str, ok := s.Get("faultString")
	if !ok {
		return nil, rpcerrors.Protocolf("fault has no faultString")
	}
	msg, ok := str.(value.String)
	if !ok {
		return nil, rpcerrors.Protocolf("faultString is a %s, want string", str.Kind())
	}
	return &rpcerrors.FaultError{Code: int(n), Message: string(msg)}, nil
}

// end requires that nothing but whitespace follows the frame.
func (f *frameReader) end() error {
	return f.d.ExpectEOF()
}

func tokenName(tok xml.Token) string {
	switch t := tok.(type) {
	case xml.StartElement:
		return "<" + t.Name.Local + ">"
	case xml.EndElement:
		return "</" + t.Name.Local + ">"
	}
	return "text"
}
