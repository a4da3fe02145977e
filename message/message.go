// Package message defines the RPC envelopes exchanged between peers and their
// XML framing.
//
// A Request names one method and carries its ordered params. A Response
// carries either exactly one result value or a fault, never both:
//
//	<methodCall>
//	  <methodName>volity.start_game</methodName>
//	  <params><param><value>...</value></param>...</params>
//	</methodCall>
//
//	<methodResponse>
//	  <params><param><value>RESULT</value></param></params>
//	</methodResponse>
//
//	<methodResponse>
//	  <fault><value><struct>faultCode / faultString</struct></value></fault>
//	</methodResponse>
//
// Addressing and the correlation id are not part of the payload. They travel
// on the enclosing transport stanza and are copied into ID, From and To by the
// layer that reads the stanza.
package message

import (
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// Message is a decoded payload: *Request or *Response.
type Message interface {
	isMessage()
}

// Request is an inbound or outbound method call.
type Request struct {
	ID     string        // Correlation id of the carrying stanza
	From   string        // Sender address, replies go here
	To     string        // Destination address
	Method string        // Dot-namespaced method name, e.g. "volity.start_game"
	Params []value.Value // Ordered parameters, possibly empty
}

// Response answers a Request.
type Response struct {
	ID     string
	From   string
	To     string
	Result value.Value           // Set on success
	Fault  *rpcerrors.FaultError // Set on failure
}

func (*Request) isMessage()  {}
func (*Response) isMessage() {}

// NewResult returns a successful Response. A nil v is sent as Nil.
func NewResult(v value.Value) *Response {
	if v == nil {
		v = value.Nil{}
	}
	return &Response{Result: v}
}

// NewFault returns a fault Response.
func NewFault(code int, msg string) *Response {
	return &Response{Fault: &rpcerrors.FaultError{Code: code, Message: msg}}
}

// IsFault reports whether r carries a fault.
func (r *Response) IsFault() bool {
	return r.Fault != nil
}

// Err returns the fault as an error, or nil for a result.
func (r *Response) Err() error {
	if r.Fault == nil {
		return nil
	}
	return r.Fault
}

// Validate checks that exactly one of Result and Fault is set.
func (r *Response) Validate() error {
	switch {
	case r.Result != nil && r.Fault != nil:
		return rpcerrors.Protocolf("response carries both a result and a fault")
	case r.Result == nil && r.Fault == nil:
		return rpcerrors.Protocolf("response carries neither a result nor a fault")
	}
	return nil
}

// ReplyTo addresses r as the answer to req: same correlation id, sent back to
// the requester.
func (r *Response) ReplyTo(req *Request) *Response {
	r.ID = req.ID
	r.To = req.From
	r.From = req.To
	return r
}

// ErrorToFault converts a handler error into the fault sent to the peer. A
// FaultError anywhere in err's chain is sent as is, anything else becomes
// code with the error text as message.
func ErrorToFault(err error, code int) *rpcerrors.FaultError {
	if f, ok := rpcerrors.AsFault(err); ok {
		return f
	}
	return &rpcerrors.FaultError{Code: code, Message: err.Error()}
}
