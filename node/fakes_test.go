// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/registry"
)

// fakeEndpoint is a hand-written [Endpoint] double: inbound connections
// are delivered by pushing onto conns rather than by accepting real QUIC
// handshakes, per the project's convention of exercising the supervisor
// against fakes and reserving real quic-go sockets for a handful of
// endpoint-level integration tests.
type fakeEndpoint struct {
	addrs   []string
	updates chan []string
	conns   chan Conn

	mu     sync.Mutex
	closed bool
}

func newFakeEndpoint(addrs []string) *fakeEndpoint {
	return &fakeEndpoint{
		addrs:   addrs,
		updates: make(chan []string),
		conns:   make(chan Conn),
	}
}

func (e *fakeEndpoint) LocalAddrs() []string { return e.addrs }

func (e *fakeEndpoint) Updates() <-chan []string { return e.updates }

func (e *fakeEndpoint) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn, ok := <-e.conns:
		if !ok {
			return nil, io.EOF
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *fakeEndpoint) Dial(ctx context.Context, addr string, alpn meshnode.AlpnBytes) (Conn, error) {
	return nil, io.EOF
}

func (e *fakeEndpoint) Close(code uint64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.conns)
	return nil
}

// deliver pushes conn onto the endpoint's accept queue, as if a peer had
// just completed a handshake.
func (e *fakeEndpoint) deliver(conn Conn) {
	go func() { e.conns <- conn }()
}

// fakeConn is a hand-written [Conn] double: streams are exchanged over
// an in-memory channel of [net.Pipe] ends, mirroring the pattern used by
// every other package's protocol-level tests in this module.
type fakeConn struct {
	remote  meshnode.NodeID
	alpn    meshnode.AlpnBytes
	streams chan net.Conn

	mu       sync.Mutex
	isClosed bool
}

var _ Conn = &fakeConn{}

func (c *fakeConn) RemoteNodeID() meshnode.NodeID { return c.remote }
func (c *fakeConn) ALPN() meshnode.AlpnBytes       { return c.alpn }

func (c *fakeConn) OpenStream(ctx context.Context) (registry.Stream, error) {
	client, server := net.Pipe()
	select {
	case c.streams <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) AcceptStream(ctx context.Context) (registry.Stream, error) {
	select {
	case s, ok := <-c.streams:
		if !ok {
			return nil, io.EOF
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) OpenUniStream(ctx context.Context) (registry.WriteStream, error) {
	s, err := c.OpenStream(ctx)
	return s, err
}

func (c *fakeConn) AcceptUniStream(ctx context.Context) (registry.ReadStream, error) {
	s, err := c.AcceptStream(ctx)
	return s, err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isClosed = true
	return nil
}

func (c *fakeConn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}
