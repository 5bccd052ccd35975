// SPDX-License-Identifier: GPL-3.0-or-later

package rpcproto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTransportCallRoundTrip(t *testing.T) {
	transport := NewLocalTransport()
	defer transport.Close()

	serverCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := Dispatch(serverCtx, transport, func(ctx context.Context, req Request) ([]byte, error) {
			assert.Equal(t, "echo", req.Method)
			return append([]byte("echo: "), req.Payload...), nil
		})
		assert.NoError(t, err)
	}()

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	resp, err := transport.Call(ctx, Request{Method: "echo", Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, []byte("echo: hi"), resp)
}

func TestLocalTransportCallPropagatesHandlerError(t *testing.T) {
	transport := NewLocalTransport()
	defer transport.Close()

	serverCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Dispatch(serverCtx, transport, func(ctx context.Context, req Request) ([]byte, error) {
		return nil, errors.New("handler failed")
	})

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	_, err := transport.Call(ctx, Request{Method: "fail"})
	assert.ErrorContains(t, err, "handler failed")
}

func TestLocalTransportCallCanceledContext(t *testing.T) {
	transport := NewLocalTransport()
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // never accepted by anyone; Call must not block forever

	_, err := transport.Call(ctx, Request{Method: "unused"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalTransportAcceptReturnsErrClosedAfterClose(t *testing.T) {
	transport := NewLocalTransport()
	transport.Close()

	_, _, err := transport.Accept(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
