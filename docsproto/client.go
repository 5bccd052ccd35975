// SPDX-License-Identifier: GPL-3.0-or-later

package docsproto

import (
	"context"
	"fmt"

	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/store"
)

// StreamOpener opens a new bidirectional stream to the remote peer.
type StreamOpener interface {
	OpenStream(ctx context.Context) (registry.Stream, error)
}

// Client queries a peer's document map over an already-connected
// [StreamOpener].
type Client struct {
	Conn StreamOpener
}

// NewClient returns a [*Client] querying documents over conn.
func NewClient(conn StreamOpener) *Client {
	return &Client{Conn: conn}
}

// Get fetches the blob hash the peer has associated with key.
func (c *Client) Get(ctx context.Context, key string) (hash store.Hash, found bool, err error) {
	stream, err := c.Conn.OpenStream(ctx)
	if err != nil {
		return store.Hash{}, false, fmt.Errorf("docsproto: open stream: %w", err)
	}
	defer stream.Close()

	if err := writeKey(stream, key); err != nil {
		return store.Hash{}, false, fmt.Errorf("docsproto: write request: %w", err)
	}
	hash, found, err = readGetResponse(stream)
	if err != nil {
		return store.Hash{}, false, fmt.Errorf("docsproto: read response: %w", err)
	}
	return hash, found, nil
}
