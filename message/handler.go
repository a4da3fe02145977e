package message

import (
	"context"
	"sync"

	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// ResponseWriter delivers the single response to an inbound request. A
// handler may call it from any goroutine, at any time after HandleRPC was
// entered, including after HandleRPC has returned.
type ResponseWriter interface {
	// RespondValue answers with a result. A nil v is sent as Nil.
	RespondValue(v value.Value)
	// RespondFault answers with an application fault.
	RespondFault(code int, msg string)
	// RespondError answers with err. A FaultError in err's chain is sent as
	// is, any other error becomes the handler-error fault.
	RespondError(err error)
}

// Handler processes an inbound request. It must eventually call exactly one
// method of w; the call may be deferred.
type Handler interface {
	HandleRPC(ctx context.Context, method string, params []value.Value, w ResponseWriter)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, method string, params []value.Value, w ResponseWriter)

func (f HandlerFunc) HandleRPC(ctx context.Context, method string, params []value.Value, w ResponseWriter) {
	f(ctx, method, params, w)
}

// Func adapts a synchronous function to Handler. A returned error is passed to
// RespondError, a returned value to RespondValue.
func Func(f func(ctx context.Context, method string, params []value.Value) (value.Value, error)) Handler {
	return HandlerFunc(func(ctx context.Context, method string, params []value.Value, w ResponseWriter) {
		v, err := f(ctx, method, params)
		if err != nil {
			w.RespondError(err)
			return
		}
		w.RespondValue(v)
	})
}

type requestKey struct{}

// WithRequest returns a copy of ctx carrying req.
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the inbound request a handler is serving, giving
// access to the sender address and correlation id.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok
}

// OnceWriter forwards only the first response to its target. Later calls go
// to the duplicate hook and are otherwise dropped.
type OnceWriter struct {
	mu        sync.Mutex
	send      func(*Response)
	errCode   int
	dup       func(*Response)
	responded bool
}

// NewOnceWriter returns a writer passing the first response to send. Plain
// errors become faults with errCode. dup, if non-nil, sees every later
// response.
func NewOnceWriter(send func(*Response), errCode int, dup func(*Response)) *OnceWriter {
	return &OnceWriter{send: send, errCode: errCode, dup: dup}
}

func (w *OnceWriter) RespondValue(v value.Value) {
	w.write(NewResult(v))
}

func (w *OnceWriter) RespondFault(code int, msg string) {
	w.write(NewFault(code, msg))
}

func (w *OnceWriter) RespondError(err error) {
	w.write(&Response{Fault: ErrorToFault(err, w.errCode)})
}

// Responded reports whether a response has been written.
func (w *OnceWriter) Responded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.responded
}

func (w *OnceWriter) write(resp *Response) {
	w.mu.Lock()
	if w.responded {
		w.mu.Unlock()
		if w.dup != nil {
			w.dup(resp)
		}
		return
	}
	w.responded = true
	w.mu.Unlock()
	w.send(resp)
}

// Recorder is a ResponseWriter that keeps the first response for inspection.
// It is used by in-process dispatch and by tests.
type Recorder struct {
	once *OnceWriter
	done chan struct{}
	resp *Response
}

// NewRecorder returns a Recorder converting plain errors with
// rpcerrors.CodeHandlerError.
func NewRecorder() *Recorder {
	r := &Recorder{done: make(chan struct{})}
	r.once = NewOnceWriter(func(resp *Response) {
		r.resp = resp
		close(r.done)
	}, rpcerrors.CodeHandlerError, nil)
	return r
}

func (r *Recorder) RespondValue(v value.Value)        { r.once.RespondValue(v) }
func (r *Recorder) RespondFault(code int, msg string) { r.once.RespondFault(code, msg) }
func (r *Recorder) RespondError(err error)            { r.once.RespondError(err) }

// Done is closed once a response has been recorded.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Response returns the recorded response, or nil if none arrived yet.
func (r *Recorder) Response() *Response {
	select {
	case <-r.done:
		return r.resp
	default:
		return nil
	}
}

// Wait blocks until a response is recorded or ctx ends.
func (r *Recorder) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-r.done:
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
