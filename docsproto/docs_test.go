// SPDX-License-Identifier: GPL-3.0-or-later

package docsproto

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/gossipproto"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is a [registry.ProtocolConn] double backed by [net.Pipe],
// following the same shape used across the other protocol packages'
// tests.
type pipeConn struct {
	streams chan net.Conn
}

func newPipePair() (client *pipeConn, server *pipeConn) {
	ch := make(chan net.Conn, 16)
	return &pipeConn{streams: ch}, &pipeConn{streams: ch}
}

func (c *pipeConn) RemoteNodeID() meshnode.NodeID { return meshnode.NodeID{} }

func (c *pipeConn) OpenStream(ctx context.Context) (registry.Stream, error) {
	a, b := net.Pipe()
	c.streams <- b
	return a, nil
}

func (c *pipeConn) AcceptStream(ctx context.Context) (registry.Stream, error) {
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

func (c *pipeConn) AcceptUniStream(ctx context.Context) (registry.ReadStream, error) {
	return nil, errors.New("pipeConn: unused")
}

func (c *pipeConn) OpenUniStream(ctx context.Context) (registry.WriteStream, error) {
	return nil, errors.New("pipeConn: unused")
}

func (c *pipeConn) Close() error {
	close(c.streams)
	return nil
}

// fixedStreamConn is a [registry.ProtocolConn] double exposing a single
// pre-established stream, used to drive a [gossipproto.Gossip]'s Accept
// loop directly over one end of a [net.Pipe].
type fixedStreamConn struct {
	id     meshnode.NodeID
	stream net.Conn
}

func (f *fixedStreamConn) RemoteNodeID() meshnode.NodeID { return f.id }
func (f *fixedStreamConn) OpenStream(ctx context.Context) (registry.Stream, error) {
	return f.stream, nil
}
func (f *fixedStreamConn) AcceptStream(ctx context.Context) (registry.Stream, error) {
	return nil, errors.New("fixedStreamConn: unused")
}
func (f *fixedStreamConn) AcceptUniStream(ctx context.Context) (registry.ReadStream, error) {
	return nil, errors.New("fixedStreamConn: unused")
}
func (f *fixedStreamConn) OpenUniStream(ctx context.Context) (registry.WriteStream, error) {
	return nil, errors.New("fixedStreamConn: unused")
}
func (f *fixedStreamConn) Close() error { return f.stream.Close() }

func TestDocsPutGetLocal(t *testing.T) {
	d := New(nil, nil)
	hash := store.HashBytes([]byte("content"))

	d.Put("key", hash)

	got, ok := d.Get("key")
	assert.True(t, ok)
	assert.Equal(t, hash, got)
}

func TestDocsGetMissing(t *testing.T) {
	d := New(nil, nil)
	_, ok := d.Get("missing")
	assert.False(t, ok)
}

func TestDocsContentHashes(t *testing.T) {
	d := New(nil, nil)
	h1 := store.HashBytes([]byte("a"))
	h2 := store.HashBytes([]byte("b"))
	d.Put("a", h1)
	d.Put("b", h2)

	hashes := d.ContentHashes()
	assert.Len(t, hashes, 2)
	_, ok1 := hashes[h1]
	_, ok2 := hashes[h2]
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestDocsAcceptAndClientGet(t *testing.T) {
	d := New(nil, nil)
	hash := store.HashBytes([]byte("served"))
	d.Put("served-key", hash)

	clientConn, serverConn := newPipePair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Accept(ctx, serverConn)

	client := NewClient(clientConn)
	gotHash, found, err := client.Get(context.Background(), "served-key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, hash, gotHash)
}

func TestDocsAcceptAndClientGetNotFound(t *testing.T) {
	d := New(nil, nil)

	clientConn, serverConn := newPipePair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Accept(ctx, serverConn)

	client := NewClient(clientConn)
	_, found, err := client.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDocsPropagatesOverGossip(t *testing.T) {
	gossipA := gossipproto.New(nil)
	gossipB := gossipproto.New(nil)

	regA := &registry.ProtocolRegistry{}
	regA.Register(gossipproto.ALPN, gossipA)
	docsA := New(regA, nil)

	regB := &registry.ProtocolRegistry{}
	regB.Register(gossipproto.ALPN, gossipB)
	docsB := New(regB, nil)

	pipeA, pipeB := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gossipA.Accept(ctx, &fixedStreamConn{id: meshnode.NodeID{0x02}, stream: pipeA})
	go gossipB.Accept(ctx, &fixedStreamConn{id: meshnode.NodeID{0x01}, stream: pipeB})

	time.Sleep(20 * time.Millisecond) // let both Accept loops register their peer

	hash := store.HashBytes([]byte("replicated"))
	docsA.Put("shared-key", hash)

	require.Eventually(t, func() bool {
		got, ok := docsB.Get("shared-key")
		return ok && got == hash
	}, 2*time.Second, 10*time.Millisecond)
}
