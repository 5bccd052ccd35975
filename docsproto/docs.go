// SPDX-License-Identifier: GPL-3.0-or-later

// Package docsproto implements a minimal document-sync protocol: a
// replicated key→blob-hash map, propagated between peers over gossip and
// queryable directly over its own ALPN.
//
// Full CRDT-grade document sync (ranges, conflict resolution, multiple
// authors per key) is out of scope; this is the minimal built-in that
// exercises the registry's lookup-by-type dependency pattern (looking up
// the already-registered gossip handler by concrete type) and
// contributes its referenced blob hashes to GC liveness.
package docsproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/gossipproto"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/store"
)

// ALPN is the canonical ALPN for the document-sync protocol.
var ALPN = meshnode.AlpnBytes("meshnode/docs/1")

// Docs is the document-sync [registry.ProtocolHandler]: a replicated
// key→blob-hash map. Local writes ([Docs.Put]) are applied immediately
// and, when a gossip handler is available, broadcast to every peer;
// remote writes arrive the same way, via [gossipproto.Gossip.Subscribe].
type Docs struct {
	logger meshnode.SLogger
	gossip *gossipproto.Gossip

	mu      sync.RWMutex
	entries map[string]store.Hash
}

var _ registry.ProtocolHandler = &Docs{}

// New returns a [*Docs] handler. If reg already holds a registered
// [*gossipproto.Gossip] handler, Docs subscribes to it so remote updates
// are applied as they're relayed; this is the registry's
// lookup-by-concrete-type dependency pattern (document sync depends on
// gossip, discovered without either package importing the other's
// registration site).
func New(reg *registry.ProtocolRegistry, logger meshnode.SLogger) *Docs {
	if logger == nil {
		logger = meshnode.DefaultSLogger()
	}
	d := &Docs{logger: logger, entries: make(map[string]store.Hash)}

	if reg != nil {
		if g, ok := registry.Lookup[*gossipproto.Gossip](reg); ok {
			d.gossip = g
			g.Subscribe(d.handleGossipMessage)
		}
	}
	return d
}

// Put sets key to hash, applies it locally, and broadcasts the update to
// every connected peer over gossip (if a gossip handler is wired in).
func (d *Docs) Put(key string, hash store.Hash) {
	d.apply(key, hash)
	if d.gossip != nil {
		d.gossip.Broadcast(encodeUpdate(key, hash))
	}
}

// Get returns the blob hash currently associated with key, if any.
func (d *Docs) Get(key string) (store.Hash, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.entries[key]
	return h, ok
}

// ContentHashes returns the set of blob hashes currently referenced by
// the document map. This is the GC liveness contribution document sync
// makes: a blob only reachable through a document entry must survive a
// collection cycle.
func (d *Docs) ContentHashes() map[store.Hash]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[store.Hash]struct{}, len(d.entries))
	for _, h := range d.entries {
		out[h] = struct{}{}
	}
	return out
}

func (d *Docs) apply(key string, hash store.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = hash
}

func (d *Docs) handleGossipMessage(msg []byte) {
	key, hash, ok, err := decodeUpdate(msg)
	if err != nil {
		d.logger.Info("docsprotoGossipDecodeError", "err", err)
		return
	}
	if !ok {
		return // not a docs update; some other gossip payload
	}
	d.apply(key, hash)
}

// Accept implements [registry.ProtocolHandler]: each stream the peer
// opens carries one get request (a key), answered directly from the
// local map without involving gossip.
func (d *Docs) Accept(ctx context.Context, conn registry.ProtocolConn) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("docsproto: accept stream: %w", err)
		}
		go d.serveStream(stream)
	}
}

func (d *Docs) serveStream(stream registry.Stream) {
	defer stream.Close()

	r := bufio.NewReader(stream)
	key, err := readKey(r)
	if err != nil {
		d.logger.Info("docsprotoRequestReadError", "err", err)
		return
	}

	hash, ok := d.Get(key)
	if err := writeGetResponse(stream, hash, ok); err != nil {
		d.logger.Info("docsprotoResponseWriteError", "err", err)
	}
}

// Shutdown implements [registry.ProtocolHandler]. Docs holds no resources
// beyond the in-memory map and its gossip subscription, both reclaimed by
// the garbage collector once the handler is dropped.
func (d *Docs) Shutdown(ctx context.Context) error {
	return nil
}
