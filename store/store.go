// SPDX-License-Identifier: GPL-3.0-or-later

// Package store defines the content-addressed blob store capability
// surface the node supervisor consumes, plus an in-memory implementation.
//
// Per the "generic store parameter" design note, the supervisor never
// specializes on a concrete store: it is parameterized over the [Store]
// interface, so callers can inject an in-memory store for tests, an
// on-disk store for production, or any other implementation satisfying
// the same capability surface (Read, Write, ImportMany, GCStart, GCMark,
// GCSweep, Shutdown).
package store

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"lukechampine.com/blake3"
)

// Hash is a content hash as produced by [HashBytes]: the BLAKE3 digest
// of a blob's bytes.
type Hash [32]byte

// HashBytes returns the BLAKE3 hash of b.
func HashBytes(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Equal reports whether h and other are the same hash, using a
// constant-time comparison since hashes double as content identifiers
// exchanged with untrusted peers.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// ParseHash decodes a hex-encoded [Hash] as produced by [Hash.String],
// e.g. an on-disk store's blob file name.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("store: invalid hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("store: invalid hash length: got %d, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

// ErrNotFound is returned by [Store.Read] when no blob is stored under
// the requested hash, and is the sentinel the blob-exchange protocol
// maps onto its wire-level "not found" response.
var ErrNotFound = errors.New("store: blob not found")

// ErrGCBusy is returned by [Store.GCStart] when the store refuses a new
// GC cycle (e.g. because it is shutting down). The GC loop treats this
// as permanent: it logs and exits rather than retrying.
var ErrGCBusy = errors.New("store: gc refused")

// GCEventKind classifies an event emitted during the mark or sweep phase
// of a GC cycle.
type GCEventKind int

const (
	// GCDebug is a trace-level event with no bearing on cycle outcome.
	GCDebug GCEventKind = iota
	// GCWarning is logged with context but does not abort the cycle.
	GCWarning
	// GCFatal aborts the current cycle; sweep never proceeds after a
	// fatal mark event, and a fatal sweep event still leaves the cycle
	// as a whole reported as aborted.
	GCFatal
)

// GCEvent is a single event produced by the mark or sweep phase.
type GCEvent struct {
	Kind    GCEventKind
	Message string
	Err     error // the underlying error, if any (GCWarning or GCFatal)
}

// Store is the capability surface the node supervisor, the GC loop, and
// every protocol consume. Implementations must be safe for
// concurrent use: the supervisor makes no attempt to serialize access.
type Store interface {
	// Read returns the complete contents of the blob stored under hash,
	// or [ErrNotFound] if no (complete) blob is stored under it.
	Read(ctx context.Context, hash Hash) ([]byte, error)

	// Write stores data under its BLAKE3 hash and returns that hash.
	Write(ctx context.Context, data []byte) (Hash, error)

	// ImportMany imports a batch of blobs in one call, as used by the
	// legacy flat-store migration on first persistent-mode startup.
	ImportMany(ctx context.Context, blobs map[Hash][]byte) error

	// GCStart notifies the store that a GC cycle is beginning. Returns
	// [ErrGCBusy] (or any other error) if the store refuses; the GC loop
	// then exits permanently.
	GCStart(ctx context.Context) error

	// GCMark marks content reachable from live, the liveness set the GC
	// loop assembled for this cycle from every subsystem contribution,
	// plus any roots the store keeps itself, streaming events as it goes. A [GCFatal] event aborts the cycle; sweep must not run.
	GCMark(ctx context.Context, live map[Hash]struct{}) <-chan GCEvent

	// GCSweep removes content not in live, streaming events as it goes.
	// Only called after a mark phase that produced no [GCFatal] event.
	GCSweep(ctx context.Context, live map[Hash]struct{}) <-chan GCEvent

	// Shutdown flushes any pending writes and releases resources held by
	// the store. Must be idempotent.
	Shutdown(ctx context.Context) error
}

// Mem is an in-memory [Store]. Nothing survives process restart; suited
// to [meshnode.MemoryStorage] and to tests.
//
// The zero value is ready to use.
type Mem struct {
	mu       sync.RWMutex
	blobs    map[Hash][]byte
	gcActive bool
	shutdown bool
}

var _ Store = &Mem{}

// NewMem returns a ready-to-use empty [*Mem] store.
func NewMem() *Mem {
	return &Mem{blobs: make(map[Hash][]byte)}
}

// Read implements [Store].
func (m *Mem) Read(ctx context.Context, hash Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write implements [Store].
func (m *Mem) Write(ctx context.Context, data []byte) (Hash, error) {
	hash := HashBytes(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blobs == nil {
		m.blobs = make(map[Hash][]byte)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[hash] = stored
	return hash, nil
}

// ImportMany implements [Store].
func (m *Mem) ImportMany(ctx context.Context, blobs map[Hash][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blobs == nil {
		m.blobs = make(map[Hash][]byte)
	}
	for hash, data := range blobs {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.blobs[hash] = stored
	}
	return nil
}

// GCStart implements [Store].
func (m *Mem) GCStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrGCBusy
	}
	m.gcActive = true
	return nil
}

// GCMark implements [Store]. The in-memory store has no roots of its own
// beyond the liveness set passed in, so marking is a no-op that reports
// success once.
func (m *Mem) GCMark(ctx context.Context, live map[Hash]struct{}) <-chan GCEvent {
	ch := make(chan GCEvent, 1)
	ch <- GCEvent{Kind: GCDebug, Message: fmt.Sprintf("mark: %d live hashes", len(live))}
	close(ch)
	return ch
}

// GCSweep implements [Store]: removes every stored blob whose hash is
// not in live.
func (m *Mem) GCSweep(ctx context.Context, live map[Hash]struct{}) <-chan GCEvent {
	ch := make(chan GCEvent, 8)

	go func() {
		defer close(ch)

		m.mu.Lock()
		defer m.mu.Unlock()

		removed := 0
		for hash := range m.blobs {
			if _, ok := live[hash]; ok {
				continue
			}
			delete(m.blobs, hash)
			removed++
		}
		m.gcActive = false
		ch <- GCEvent{Kind: GCDebug, Message: fmt.Sprintf("sweep: removed %d blobs", removed)}
	}()

	return ch
}

// Shutdown implements [Store].
func (m *Mem) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}

// ReadAll drains r and writes the result as a single blob, returning its
// hash.
func ReadAll(ctx context.Context, s Store, r io.Reader) (Hash, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Hash{}, err
	}
	return s.Write(ctx, data)
}

// Verify reports whether data hashes to want, used by the blob-exchange
// client after a transfer completes (§8 round-trip property).
func Verify(data []byte, want Hash) bool {
	return bytes.Equal(HashBytes(data)[:], want[:])
}
