// Package transport carries stanzas between the engine and the XMPP network.
//
// A Conn is one authenticated presence on the network. Many goroutines may
// send over it at once, and any number of subscribers may watch its inbound
// stanzas:
//
//	Requester ──Send(iq set)──┐                       ┌──→ Subscribe(result|error) → Requester
//	Service ──Send(iq result)─┼──→ Conn ──→ network ──┤
//	                          ┘                       └──→ Subscribe(set) → Service
//
// Each inbound stanza is delivered on its own goroutine, so a subscriber may
// block or send without stalling the read side. When no subscriber accepts an
// inbound request, the Conn answers it with a service-unavailable error so
// the caller does not wait for its timeout.
package transport

import (
	"sync"

	"github.com/juju/errors"

	"jabber-rpc/protocol"
)

const (
	// ErrConnClosed is reported once a connection has been shut down locally.
	ErrConnClosed = errors.ConstError("connection closed")

	// ErrStreamEnded is reported when the peer closes its stream.
	ErrStreamEnded = errors.ConstError("stream ended by peer")
)

// Conn is a live connection to the network.
type Conn interface {
	// Addr is the full address peers use to reach this connection.
	Addr() string
	// Send writes st. An empty From is filled with Addr.
	Send(st *protocol.Stanza) error
	// Subscribe registers h for inbound stanzas accepted by f. A nil f
	// accepts everything. The returned func removes the subscription.
	Subscribe(f Filter, h func(*protocol.Stanza)) (unsubscribe func())
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
}

// Filter selects inbound stanzas for a subscriber.
type Filter func(*protocol.Stanza) bool

// RPCRequests accepts RPC calls: type set with a jabber:iq:rpc query.
func RPCRequests(st *protocol.Stanza) bool {
	return st.Type == protocol.TypeSet && st.Payload != nil
}

// RPCAnswers accepts what may answer an outstanding call.
func RPCAnswers(st *protocol.Stanza) bool {
	return st.Type == protocol.TypeResult || st.Type == protocol.TypeError
}

type subscription struct {
	id     uint64
	filter Filter
	h      func(*protocol.Stanza)
}

// subscribers is the fan-out table shared by the Conn implementations.
type subscribers struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func (s *subscribers) add(f Filter, h func(*protocol.Stanza)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscription{id: id, filter: f, h: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// deliver hands st to every matching subscriber and reports whether any
// matched.
func (s *subscribers) deliver(st *protocol.Stanza) bool {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()

	matched := false
	for _, sub := range subs {
		if sub.filter == nil || sub.filter(st) {
			matched = true
			sub.h(st)
		}
	}
	return matched
}

// bounce returns the error answer for an inbound stanza nobody handled, or
// nil when st needs no answer.
func bounce(st *protocol.Stanza) *protocol.Stanza {
	switch st.Type {
	case protocol.TypeSet:
		return protocol.NewErrorStanza(st, protocol.CondServiceUnavailable, "")
	case protocol.TypeGet:
		return protocol.NewErrorStanza(st, protocol.CondFeatureNotImplemented, "")
	}
	return nil
}
