// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"context"
	"net/netip"
	"sync"

	"github.com/bassosimone/meshnode"
)

// StaticDiscovery is an in-memory [Discovery] backed by a caller-populated
// table. Useful for tests and for nodes configured with a fixed set of
// known peers instead of a DNS zone.
//
// The zero value is ready to use.
type StaticDiscovery struct {
	mu    sync.RWMutex
	addrs map[meshnode.NodeID][]netip.AddrPort
}

var _ Discovery = &StaticDiscovery{}

// NewStaticDiscovery returns an empty [*StaticDiscovery].
func NewStaticDiscovery() *StaticDiscovery {
	return &StaticDiscovery{addrs: make(map[meshnode.NodeID][]netip.AddrPort)}
}

// Resolve implements [Discovery].
func (d *StaticDiscovery) Resolve(ctx context.Context, id meshnode.NodeID) ([]netip.AddrPort, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	addrs, ok := d.addrs[id]
	if !ok || len(addrs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]netip.AddrPort, len(addrs))
	copy(out, addrs)
	return out, nil
}

// Publish implements [Discovery]: overwrites the table entry for id.
func (d *StaticDiscovery) Publish(ctx context.Context, id meshnode.NodeID, addrs []netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.addrs == nil {
		d.addrs = make(map[meshnode.NodeID][]netip.AddrPort)
	}
	stored := make([]netip.AddrPort, len(addrs))
	copy(stored, addrs)
	d.addrs[id] = stored
	return nil
}
