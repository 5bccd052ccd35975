// SPDX-License-Identifier: GPL-3.0-or-later

package rpcproto

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bassosimone/meshnode"
)

// LocalTransport is the in-process [Endpoint] used by the embedded RPC
// client (§4.4 branch 3): every [LocalTransport.Call] opens a fresh
// [net.Pipe], writes a length-prefixed request on it, and blocks for the
// length-prefixed response — the same one-request-per-stream shape the
// blob and document protocols use, just over an in-memory pipe instead of
// a QUIC stream.
//
// The zero value is not usable; construct with [NewLocalTransport].
type LocalTransport struct {
	conns chan net.Conn
}

var _ Endpoint = &LocalTransport{}

// NewLocalTransport returns a ready-to-use [*LocalTransport].
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{conns: make(chan net.Conn)}
}

// ErrClosed is returned by [LocalTransport.Call] once the transport has
// been closed.
var ErrClosed = errors.New("rpcproto: transport closed")

// Call opens a fresh connection to the server side of this transport,
// sends req, and waits for the reply.
//
// ctx's lifetime is bound to the client's end of the pipe via
// [meshnode.CancelWatchFunc], so cancelling ctx closes the pipe promptly
// instead of leaving the call to block forever on a supervisor that has
// already stopped accepting (the scenario [meshnode.CancelWatchFunc]'s
// doc comment calls out by name: the embedded RPC client's pipe end).
func (t *LocalTransport) Call(ctx context.Context, req Request) ([]byte, error) {
	client, server := net.Pipe()
	watched, err := meshnode.NewCancelWatchFunc().Call(ctx, client)
	if err != nil {
		server.Close()
		return nil, err
	}
	defer watched.Close()

	select {
	case t.conns <- server:
	case <-ctx.Done():
		server.Close()
		return nil, ctx.Err()
	}

	if err := writeRequest(watched, req); err != nil {
		return nil, fmt.Errorf("rpcproto: write request: %w", err)
	}
	resp, err := readResponse(watched)
	if err != nil {
		return nil, fmt.Errorf("rpcproto: read response: %w", err)
	}
	return resp, nil
}

// Accept implements [Endpoint].
func (t *LocalTransport) Accept(ctx context.Context) (Request, ResponseWriter, error) {
	select {
	case conn, ok := <-t.conns:
		if !ok {
			return Request{}, nil, ErrClosed
		}
		req, err := readRequest(conn)
		if err != nil {
			conn.Close()
			return Request{}, nil, fmt.Errorf("rpcproto: read request: %w", err)
		}
		return req, &connResponseWriter{conn: conn}, nil
	case <-ctx.Done():
		return Request{}, nil, ctx.Err()
	}
}

// Close implements [Endpoint]. Any [LocalTransport.Call] blocked sending
// on the connection channel will observe its context instead; already
// in-flight calls are unaffected.
func (t *LocalTransport) Close() error {
	close(t.conns)
	return nil
}

// connResponseWriter implements [ResponseWriter] over a single
// request/response [net.Conn], closing it once the reply is sent.
type connResponseWriter struct {
	conn net.Conn
}

func (w *connResponseWriter) Reply(payload []byte, err error) error {
	defer w.conn.Close()
	return writeResponse(w.conn, payload, err)
}
