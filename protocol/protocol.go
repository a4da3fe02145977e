// Package protocol implements the stanza framing that carries RPC payloads
// over an XMPP stream.
//
// Every call and every answer travels in an <iq> stanza. The stanza holds the
// addressing and the correlation id; the RPC payload sits inside a <query>
// element in the jabber:iq:rpc namespace:
//
//	<iq type='set' id='c0ffee' from='alice@host/res' to='referee@host/volity'>
//	  <query xmlns='jabber:iq:rpc'>
//	    <methodCall>...</methodCall>
//	  </query>
//	</iq>
//
// Answers reuse the id with type 'result'. When the transport cannot deliver
// or the payload is unusable, the answer is a type 'error' stanza carrying a
// stanza error condition instead of an RPC payload:
//
//	<iq type='error' id='c0ffee' ...>
//	  <error type='cancel'>
//	    <service-unavailable xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/>
//	  </error>
//	</iq>
package protocol

import (
	"bytes"
	"encoding/xml"
	"io"

	"jabber-rpc/rpcerrors"
)

const (
	Namespace          = "jabber:iq:rpc"
	ClientNamespace    = "jabber:client"
	StreamNamespace    = "http://etherx.jabber.org/streams"
	StanzaErrNamespace = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// IQType is the type attribute of an <iq> stanza.
type IQType string

const (
	TypeSet    IQType = "set"    // Carries a <methodCall>
	TypeResult IQType = "result" // Carries a <methodResponse>
	TypeError  IQType = "error"  // Carries a stanza error
	TypeGet    IQType = "get"    // Not used for RPC, answered with an error
)

// Stanza error conditions raised by this engine.
const (
	CondBadRequest            = "bad-request"
	CondServiceUnavailable    = "service-unavailable"
	CondFeatureNotImplemented = "feature-not-implemented"
	CondInternalServerError   = "internal-server-error"
)

// Stanza is one <iq> element.
type Stanza struct {
	ID      string
	From    string
	To      string
	Type    IQType
	Payload []byte       // Inner XML of <query>, nil if the stanza has none
	Error   *StanzaError // Set on TypeError
}

// StanzaError is the <error> child of an error stanza.
type StanzaError struct {
	Type      string // cancel, modify, wait, auth
	Condition string
	Text      string
}

// AsError returns e as the error handed to a waiting caller.
func (e *StanzaError) AsError() error {
	return &rpcerrors.TransportError{Condition: e.Condition, Text: e.Text}
}

// NewErrorStanza builds the error answer to st: same id, addressed back to
// the sender.
func NewErrorStanza(st *Stanza, condition, text string) *Stanza {
	typ := "cancel"
	if condition == CondBadRequest {
		typ = "modify"
	}
	return &Stanza{
		ID:    st.ID,
		From:  st.To,
		To:    st.From,
		Type:  TypeError,
		Error: &StanzaError{Type: typ, Condition: condition, Text: text},
	}
}

// Encode writes st to w as a single <iq> element. The caller must hold a
// write lock if several goroutines share w, otherwise stanzas interleave.
func Encode(w io.Writer, st *Stanza) error {
	var buf bytes.Buffer
	buf.WriteString("<iq")
	attr(&buf, "type", string(st.Type))
	attr(&buf, "id", st.ID)
	attr(&buf, "to", st.To)
	attr(&buf, "from", st.From)
	buf.WriteString(">")

	if st.Payload != nil {
		buf.WriteString("<query xmlns='" + Namespace + "'>")
		buf.Write(st.Payload)
		buf.WriteString("</query>")
	}
	if st.Error != nil {
		buf.WriteString("<error")
		attr(&buf, "type", st.Error.Type)
		buf.WriteString(">")
		buf.WriteString("<" + st.Error.Condition + " xmlns='" + StanzaErrNamespace + "'/>")
		if st.Error.Text != "" {
			buf.WriteString("<text xmlns='" + StanzaErrNamespace + "'>")
			if err := xml.EscapeText(&buf, []byte(st.Error.Text)); err != nil {
				return err
			}
			buf.WriteString("</text>")
		}
		buf.WriteString("</error>")
	}
	buf.WriteString("</iq>")

	_, err := w.Write(buf.Bytes())
	return err
}

func attr(buf *bytes.Buffer, name, val string) {
	if val == "" {
		return
	}
	buf.WriteString(" " + name + "='")
	// EscapeText covers the characters that matter inside a quoted attribute.
	_ = xml.EscapeText(buf, []byte(val))
	buf.WriteString("'")
}

type iqElement struct {
	XMLName xml.Name      `xml:"iq"`
	ID      string        `xml:"id,attr"`
	From    string        `xml:"from,attr"`
	To      string        `xml:"to,attr"`
	Type    string        `xml:"type,attr"`
	Query   *queryElement `xml:"jabber:iq:rpc query"`
	Error   *errorElement `xml:"error"`
}

type queryElement struct {
	Inner []byte `xml:",innerxml"`
}

type errorElement struct {
	Type       string     `xml:"type,attr"`
	Text       string     `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	Conditions []xml.Name `xml:",any"`
}

// Decode reads the next <iq> stanza from d. Other top-level stanzas such as
// <message> and <presence> are skipped. The end of the enclosing stream, or
// of the input, is reported as io.EOF.
func Decode(d *xml.Decoder) (*Stanza, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil, io.EOF
		case xml.StartElement:
			if t.Name.Local != "iq" {
				if err := d.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			var iq iqElement
			if err := d.DecodeElement(&iq, &t); err != nil {
				return nil, err
			}
			return iq.stanza(), nil
		}
	}
}

func (iq *iqElement) stanza() *Stanza {
	st := &Stanza{
		ID:   iq.ID,
		From: iq.From,
		To:   iq.To,
		Type: IQType(iq.Type),
	}
	if iq.Query != nil {
		st.Payload = bytes.TrimSpace(iq.Query.Inner)
		if st.Payload == nil {
			st.Payload = []byte{}
		}
	}
	if iq.Error != nil {
		se := &StanzaError{Type: iq.Error.Type, Text: iq.Error.Text}
		for _, c := range iq.Error.Conditions {
			if c.Space == StanzaErrNamespace || c.Space == "" {
				se.Condition = c.Local
				break
			}
		}
		if se.Condition == "" {
			se.Condition = CondInternalServerError
		}
		st.Error = se
	}
	return st
}

// Validate checks the fields the RPC layer depends on.
func (st *Stanza) Validate() error {
	if st.ID == "" {
		return rpcerrors.Protocolf("iq stanza without id")
	}
	switch st.Type {
	case TypeSet, TypeResult:
		if st.Payload == nil {
			return rpcerrors.Protocolf("iq %s %q has no %s query", st.Type, st.ID, Namespace)
		}
	case TypeError:
		if st.Error == nil {
			return rpcerrors.Protocolf("error iq %q has no <error>", st.ID)
		}
	case TypeGet:
	default:
		return rpcerrors.Protocolf("iq %q has unknown type %q", st.ID, st.Type)
	}
	return nil
}
