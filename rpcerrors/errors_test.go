package rpcerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsFault(t *testing.T) {
	err := fmt.Errorf("calling table: %w", NewFault(CodeUnhandled, "RPC not handled."))

	f, ok := AsFault(err)
	require.True(t, ok)
	assert.Equal(t, 609, f.Code)
	assert.Equal(t, "RPC not handled.", f.Message)
	assert.Equal(t, "RPC fault 609: RPC not handled.", f.Error())

	_, ok = AsFault(errors.New("plain"))
	assert.False(t, ok)
}

func TestTimeoutWrapsContextError(t *testing.T) {
	err := &TimeoutError{Method: "ping", To: "ref@host", After: time.Second, Err: context.Canceled}

	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransport(err))
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Condition: "service-unavailable", Text: "no such address"}
	assert.Equal(t, "transport error: service-unavailable: no such address", err.Error())

	wrapped := &TransportError{Err: errors.New("EOF")}
	assert.Equal(t, "transport error: EOF", wrapped.Error())
}

func TestSentinels(t *testing.T) {
	err := fmt.Errorf("binding: %w", ErrAlreadyBound)
	assert.True(t, errors.Is(err, ErrAlreadyBound))
	assert.False(t, errors.Is(err, ErrNotBound))
}
