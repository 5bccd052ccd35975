// SPDX-License-Identifier: GPL-3.0-or-later

package registry

import (
	"context"
	"testing"

	"github.com/bassosimone/meshnode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler is a minimal ProtocolHandler for exercising the registry
// without any real protocol logic.
type fakeHandler struct {
	name         string
	acceptCalled bool
	shutdownErr  error
}

func (h *fakeHandler) Accept(ctx context.Context, conn ProtocolConn) error {
	h.acceptCalled = true
	return nil
}

func (h *fakeHandler) Shutdown(ctx context.Context) error {
	return h.shutdownErr
}

// taggedHandler is a distinct concrete type, used to exercise Lookup.
type taggedHandler struct {
	fakeHandler
	Extra string
}

func TestRegisterAndGet(t *testing.T) {
	var r ProtocolRegistry
	h := &fakeHandler{name: "blobs"}

	r.Register(meshnode.BlobALPN, h)

	got, ok := r.Get(meshnode.BlobALPN)
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestGetUnknownALPN(t *testing.T) {
	var r ProtocolRegistry
	_, ok := r.Get(meshnode.AlpnBytes("unknown/0"))
	assert.False(t, ok)
}

func TestRegisterOverridesDuplicateALPN(t *testing.T) {
	var r ProtocolRegistry
	first := &fakeHandler{name: "first"}
	second := &fakeHandler{name: "second"}

	r.Register(meshnode.BlobALPN, first)
	r.Register(meshnode.BlobALPN, second)

	got, ok := r.Get(meshnode.BlobALPN)
	require.True(t, ok)
	assert.Same(t, second, got)

	// Overriding must not grow the snapshot.
	assert.Len(t, r.Snapshot(), 1)
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	var r ProtocolRegistry
	r.Freeze()

	assert.Panics(t, func() {
		r.Register(meshnode.BlobALPN, &fakeHandler{})
	})
}

func TestLookupByType(t *testing.T) {
	var r ProtocolRegistry
	r.Register(meshnode.BlobALPN, &fakeHandler{name: "blobs"})
	r.Register(meshnode.GossipALPN, &taggedHandler{Extra: "gossip-state"})

	got, ok := Lookup[*taggedHandler](&r)
	require.True(t, ok)
	assert.Equal(t, "gossip-state", got.Extra)
}

func TestLookupByTypeNotFound(t *testing.T) {
	var r ProtocolRegistry
	r.Register(meshnode.BlobALPN, &fakeHandler{})

	_, ok := Lookup[*taggedHandler](&r)
	assert.False(t, ok)
}

func TestSnapshotPreservesOrder(t *testing.T) {
	var r ProtocolRegistry
	r.Register(meshnode.BlobALPN, &fakeHandler{name: "blobs"})
	r.Register(meshnode.GossipALPN, &fakeHandler{name: "gossip"})
	r.Register(meshnode.DocsALPN, &fakeHandler{name: "docs"})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.True(t, snap[0].ALPN.Equal(meshnode.BlobALPN))
	assert.True(t, snap[1].ALPN.Equal(meshnode.GossipALPN))
	assert.True(t, snap[2].ALPN.Equal(meshnode.DocsALPN))
}

func TestSnapshotHandlersReachableForShutdown(t *testing.T) {
	var r ProtocolRegistry
	h1 := &fakeHandler{name: "blobs"}
	h2 := &fakeHandler{name: "gossip"}
	r.Register(meshnode.BlobALPN, h1)
	r.Register(meshnode.GossipALPN, h2)

	for _, reg := range r.Snapshot() {
		require.NoError(t, reg.Handler.Shutdown(context.Background()))
	}
}
