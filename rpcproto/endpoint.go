// SPDX-License-Identifier: GPL-3.0-or-later

// Package rpcproto implements the control-plane RPC contract the
// supervisor event loop dispatches against: an [Endpoint] yields
// (request, response writer) pairs, and [Dispatch] spawns exactly one
// handler task per request.
//
// Two [Endpoint] implementations are provided: [LocalTransport], an
// in-process channel used by the embedded client, and [QUICTransport],
// a loopback-only QUIC listener for external RPC clients.
package rpcproto

import (
	"context"
)

// Request is a single control-plane RPC call: a method name and an
// opaque payload. Method dispatch (mapping a name to a handler) is the
// caller's concern; rpcproto only transports the pair.
type Request struct {
	Method  string
	Payload []byte
}

// ResponseWriter lets a handler deliver exactly one reply to the
// original caller. Implementations discard a second call.
type ResponseWriter interface {
	// Reply sends payload as a successful response, or err as a failed
	// one (payload is ignored when err is non-nil).
	Reply(payload []byte, err error) error
}

// Endpoint yields inbound RPC calls. Both the external, QUIC-backed
// endpoint and the in-process endpoint used by the embedded client
// satisfy this, so the supervisor event loop (§4.4, branches 2 and 3)
// treats them identically.
type Endpoint interface {
	// Accept blocks until a call arrives, or ctx is done.
	Accept(ctx context.Context) (Request, ResponseWriter, error)

	// Close releases any resources the endpoint holds. Idempotent.
	Close() error
}

// HandlerFunc processes a single RPC call and returns its response
// payload, or an error to report back to the caller.
type HandlerFunc func(ctx context.Context, req Request) ([]byte, error)

// Dispatch accepts exactly one call from ep and runs fn against it in a
// new goroutine, replying once fn returns. Errors from Accept itself
// (transport-level accept failures) are returned to the caller to log
// at info level and are not fatal to the event loop (§4.4 branches 2-3).
func Dispatch(ctx context.Context, ep Endpoint, fn HandlerFunc) error {
	req, rw, err := ep.Accept(ctx)
	if err != nil {
		return err
	}
	go func() {
		payload, err := fn(ctx, req)
		rw.Reply(payload, err)
	}()
	return nil
}
