package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// StreamFooter closes a stream opened with StreamHeader.
const StreamFooter = "</stream:stream>"

// StreamHeader returns the opening of a client stream. Stanzas written after
// it are children of <stream:stream> until StreamFooter is sent.
func StreamHeader(from, to, id string) string {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0'?>")
	buf.WriteString("<stream:stream xmlns='" + ClientNamespace + "' xmlns:stream='" + StreamNamespace + "' version='1.0'")
	attr(&buf, "from", from)
	attr(&buf, "to", to)
	attr(&buf, "id", id)
	buf.WriteString(">")
	return buf.String()
}

// ReadStreamHeader consumes input up to and including the peer's
// <stream:stream> start tag and returns it.
func ReadStreamHeader(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return xml.StartElement{}, fmt.Errorf("text before stream header: %q", t)
			}
		case xml.StartElement:
			if t.Name.Space != StreamNamespace || t.Name.Local != "stream" {
				return xml.StartElement{}, fmt.Errorf("expected stream header, got <%s>", t.Name.Local)
			}
			return t.Copy(), nil
		default:
			return xml.StartElement{}, fmt.Errorf("unexpected %T before stream header", t)
		}
	}
}

// StreamAttr returns the named attribute of a stream header.
func StreamAttr(header xml.StartElement, name string) string {
	for _, a := range header.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}
