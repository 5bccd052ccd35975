// SPDX-License-Identifier: GPL-3.0-or-later

package blobproto

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is a [registry.ProtocolConn] double backed by [net.Pipe]:
// OpenStream creates a fresh in-memory pipe and hands one end to the
// paired pipeConn's AcceptStream, letting a [Client] and a [Protocol]
// talk to each other without any real transport.
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
	return nil, errors.New("pipeConn: unidirectional streams unsupported")
}

func (c *pipeConn) OpenUniStream(ctx context.Context) (registry.WriteStream, error) {
	return nil, errors.New("pipeConn: unidirectional streams unsupported")
}

func (c *pipeConn) Close() error {
	close(c.streams)
	return nil
}

func newTestHarness(t *testing.T) (*Client, *pipeConn, store.Store) {
	t.Helper()
	clientConn, serverConn := newPipePair()

	s := store.NewMem()
	proto := NewProtocol(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go proto.Accept(ctx, serverConn)

	return NewClient(clientConn), clientConn, s
}

func TestClientGetRoundTrip(t *testing.T) {
	client, _, s := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data := []byte("hello, blob exchange")
	hash, err := s.Write(ctx, data)
	require.NoError(t, err)

	got, err := client.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClientGetMultiFrame(t *testing.T) {
	client, _, s := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data := make([]byte, ChunkSize*2+1234)
	for i := range data {
		data[i] = byte(i)
	}
	hash, err := s.Write(ctx, data)
	require.NoError(t, err)

	got, err := client.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClientGetNotFound(t *testing.T) {
	client, _, _ := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Get(ctx, store.HashBytes([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientGetLastChunk(t *testing.T) {
	client, _, s := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data := make([]byte, ChunkSize*2+1234)
	hash, err := s.Write(ctx, data)
	require.NoError(t, err)

	chunk, totalSize, err := client.GetLastChunk(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), totalSize)
	assert.Len(t, chunk, 1234)
	assert.Equal(t, data[ChunkSize*2:], chunk)
}

func TestClientGetCollection(t *testing.T) {
	client, _, s := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a := []byte("file a")
	b := []byte("file b")
	ah, err := s.Write(ctx, a)
	require.NoError(t, err)
	bh, err := s.Write(ctx, b)
	require.NoError(t, err)

	coll := Collection{Entries: []CollectionEntry{
		{Name: "a.txt", Hash: ah},
		{Name: "b.txt", Hash: bh},
	}}
	collHash, err := s.Write(ctx, coll.Encode())
	require.NoError(t, err)

	gotColl, blobs, err := client.GetCollection(ctx, collHash)
	require.NoError(t, err)
	assert.Equal(t, coll, gotColl)
	assert.Equal(t, a, blobs[ah])
	assert.Equal(t, b, blobs[bh])
}
