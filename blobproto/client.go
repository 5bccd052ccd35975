// SPDX-License-Identifier: GPL-3.0-or-later

package blobproto

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/store"
)

// StreamOpener opens a new bidirectional stream to the remote peer. A
// [registry.ProtocolConn] satisfies this directly; callers outside the
// node package obtain one by dialing the blob ALPN.
type StreamOpener interface {
	OpenStream(ctx context.Context) (registry.Stream, error)
}

// Client fetches blobs from a peer's blob-exchange protocol handler over
// an already-connected [StreamOpener].
type Client struct {
	Conn StreamOpener
}

// NewClient returns a [*Client] fetching blobs over conn.
func NewClient(conn StreamOpener) *Client {
	return &Client{Conn: conn}
}

// Get fetches the complete blob stored under hash and verifies it hashes
// back to hash before returning it (§8 round-trip property).
func (c *Client) Get(ctx context.Context, hash store.Hash) ([]byte, error) {
	stream, err := c.Conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobproto: open stream: %w", err)
	}
	defer stream.Close()

	if err := (request{Kind: kindFull, Hash: hash}).writeTo(stream); err != nil {
		return nil, fmt.Errorf("blobproto: write request: %w", err)
	}

	status, err := readStatus(stream)
	if err != nil {
		return nil, fmt.Errorf("blobproto: read status: %w", err)
	}
	if status == statusNotFound {
		return nil, ErrNotFound
	}

	var size uint64
	var buf bytes.Buffer
	for {
		h, data, err := readFrame(stream)
		if err != nil {
			return nil, fmt.Errorf("blobproto: read frame: %w", err)
		}
		size = h.Size
		buf.Write(data)
		if uint64(buf.Len()) >= size {
			break
		}
	}

	got := buf.Bytes()[:size]
	if !store.Verify(got, hash) {
		return nil, fmt.Errorf("blobproto: hash mismatch for %s", hash)
	}
	return got, nil
}

// GetLastChunk fetches only the final chunk of the blob stored under
// hash, without requiring prior knowledge of its size (§8's size-probe
// scenario). Returns the chunk bytes and the blob's total size.
func (c *Client) GetLastChunk(ctx context.Context, hash store.Hash) (chunk []byte, totalSize uint64, err error) {
	stream, err := c.Conn.OpenStream(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("blobproto: open stream: %w", err)
	}
	defer stream.Close()

	if err := (request{Kind: kindLastChunk, Hash: hash}).writeTo(stream); err != nil {
		return nil, 0, fmt.Errorf("blobproto: write request: %w", err)
	}

	status, err := readStatus(stream)
	if err != nil {
		return nil, 0, fmt.Errorf("blobproto: read status: %w", err)
	}
	if status == statusNotFound {
		return nil, 0, ErrNotFound
	}

	h, data, err := readFrame(stream)
	if err != nil {
		return nil, 0, fmt.Errorf("blobproto: read frame: %w", err)
	}
	return data, h.Size, nil
}

// GetCollection fetches the collection blob stored under hash, decodes
// it, then fetches every entry it references. Returns the collection
// alongside a map from hash to contents for each entry.
func (c *Client) GetCollection(ctx context.Context, hash store.Hash) (Collection, map[store.Hash][]byte, error) {
	raw, err := c.Get(ctx, hash)
	if err != nil {
		return Collection{}, nil, fmt.Errorf("blobproto: fetch collection blob: %w", err)
	}

	coll, err := DecodeCollection(raw)
	if err != nil {
		return Collection{}, nil, fmt.Errorf("blobproto: decode collection: %w", err)
	}

	blobs := make(map[store.Hash][]byte, len(coll.Entries))
	for _, e := range coll.Entries {
		data, err := c.Get(ctx, e.Hash)
		if err != nil {
			return Collection{}, nil, fmt.Errorf("blobproto: fetch entry %q: %w", e.Name, err)
		}
		blobs[e.Hash] = data
	}
	return coll, blobs, nil
}
