// SPDX-License-Identifier: GPL-3.0-or-later

// Package registry provides the protocol registry multiplexing the node's
// single QUIC endpoint: a concurrent mapping from ALPN bytes to a
// [ProtocolHandler], mutated during build and frozen once the supervisor
// starts accepting connections.
//
// Because handlers are heterogeneous (blob exchange, gossip, document
// sync, arbitrary user protocols) but some built-ins need to discover
// each other by concrete type (document sync looks up the already
// registered gossip handler), lookup comes in two forms: by ALPN, and by
// type tag via [Lookup], a generic helper performing a type assertion
// against the registered handlers in registration order.
package registry

import (
	"context"
	"sync"

	"github.com/bassosimone/meshnode"
)

// ProtocolHandler is the plug-in contract every registered protocol must
// satisfy: accept a single inbound connection and run it to completion,
// and quiesce idempotently on shutdown.
//
// Accept failures are reported (e.g. logged by the caller) but must never
// be treated as fatal to the node: a single peer's misbehavior must not
// tear down the supervisor.
type ProtocolHandler interface {
	// Accept consumes an inbound connection tagged with this handler's
	// ALPN and runs it to completion.
	Accept(ctx context.Context, conn ProtocolConn) error

	// Shutdown idempotently quiesces the handler, releasing any
	// resources it holds. It must return once quiesced.
	Shutdown(ctx context.Context) error
}

// ProtocolConn is the minimal half-open connection surface a
// [ProtocolHandler] needs: a multi-stream QUIC-like connection plus the
// remote peer's identifier, extracted by the node's event loop before
// dispatch.
type ProtocolConn interface {
	// RemoteNodeID is the dialing peer's node identifier, extracted from
	// the negotiated TLS session.
	RemoteNodeID() meshnode.NodeID

	// AcceptStream blocks until the peer opens a bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// AcceptUniStream blocks until the peer opens a unidirectional stream.
	AcceptUniStream(ctx context.Context) (ReadStream, error)

	// OpenStream opens a bidirectional stream to the peer.
	OpenStream(ctx context.Context) (Stream, error)

	// OpenUniStream opens a unidirectional stream to the peer.
	OpenUniStream(ctx context.Context) (WriteStream, error)

	// Close closes the connection.
	Close() error
}

// ReadStream is a readable, half-closable stream.
type ReadStream interface {
	Read(p []byte) (int, error)
}

// WriteStream is a writable, closable stream.
type WriteStream interface {
	Write(p []byte) (int, error)
	Close() error
}

// Stream is a bidirectional stream.
type Stream interface {
	ReadStream
	WriteStream
}

// entry pairs a registered handler with the ALPN it was registered under,
// preserving insertion order for the shutdown iterator.
type entry struct {
	alpn    meshnode.AlpnBytes
	handler ProtocolHandler
}

// ProtocolRegistry is a concurrent ALPN→[ProtocolHandler] mapping.
//
// Insertion ([ProtocolRegistry.Register]) is only meaningful before the
// supervisor starts accepting; nothing in this type enforces that by
// itself; the node package calls [ProtocolRegistry.Freeze] once the
// supervisor task starts, after which [ProtocolRegistry.Register] panics.
//
// The zero value is ready to use.
type ProtocolRegistry struct {
	mu      sync.RWMutex
	entries []entry
	byAlpn  map[string]int // index into entries, keyed by string(alpn)
	frozen  bool
}

// Register inserts handler under alpn, overriding any earlier registration
// for the same ALPN (built-ins are registered first so user registrations
// can replace them). Panics if the registry has been frozen.
func (r *ProtocolRegistry) Register(alpn meshnode.AlpnBytes, handler ProtocolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic("registry: Register called after Freeze")
	}
	if r.byAlpn == nil {
		r.byAlpn = make(map[string]int)
	}

	key := string(alpn)
	if idx, ok := r.byAlpn[key]; ok {
		r.entries[idx] = entry{alpn: alpn, handler: handler}
		return
	}
	r.byAlpn[key] = len(r.entries)
	r.entries = append(r.entries, entry{alpn: alpn, handler: handler})
}

// Freeze marks the registry read-only. Called once, by the supervisor,
// immediately before it begins accepting connections.
func (r *ProtocolRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the handler registered for alpn, if any.
func (r *ProtocolRegistry) Get(alpn meshnode.AlpnBytes) (ProtocolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byAlpn[string(alpn)]
	if !ok {
		return nil, false
	}
	return r.entries[idx].handler, true
}

// Lookup returns the first registered handler (in registration order)
// whose type is T; further handlers of type T are not reported. This is how a protocol's build-time factory
// discovers an earlier-registered dependency by concrete type (e.g. the
// document protocol looking up the gossip handler) without knowing its
// ALPN.
func Lookup[T ProtocolHandler](r *ProtocolRegistry) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	for _, e := range r.entries {
		if t, ok := e.handler.(T); ok {
			return t, true
		}
	}
	return zero, false
}

// Snapshot returns an ordered, point-in-time copy of the registered
// (ALPN, handler) pairs, in registration order. Used by shutdown to
// quiesce every handler exactly once.
func (r *ProtocolRegistry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, len(r.entries))
	for i, e := range r.entries {
		out[i] = Registration{ALPN: e.alpn, Handler: e.handler}
	}
	return out
}

// Registration is a single (ALPN, handler) pair, as returned by
// [ProtocolRegistry.Snapshot].
type Registration struct {
	ALPN    meshnode.AlpnBytes
	Handler ProtocolHandler
}
