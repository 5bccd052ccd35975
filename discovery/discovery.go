// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery resolves node identifiers to reachable network
// addresses, and optionally publishes a node's own addresses so other
// nodes can discover it.
//
// This package implements only the two built-in providers the supervisor
// needs directly ([StaticDiscovery] for tests and fixed peer lists,
// [DNSDiscovery] for the DNS-based substrate described in §6); any other
// provider (DHT-style publish, pkarr, relay-assisted discovery) is out of
// scope, matching spec.md §1's "discovery providers... only the trait
// the supervisor consumes" boundary.
package discovery

import (
	"context"
	"net/netip"

	"github.com/bassosimone/meshnode"
)

// Discovery resolves a [meshnode.NodeID] to the addresses at which that
// node might be reachable, and optionally publishes the local node's own
// addresses for others to find.
type Discovery interface {
	// Resolve returns the known addresses for id, most-recently-learned
	// first. Returns an error (not an empty slice) when nothing is known.
	Resolve(ctx context.Context, id meshnode.NodeID) ([]netip.AddrPort, error)

	// Publish announces that id is reachable at addrs. Providers that
	// cannot publish (e.g. a read-only DNS zone) return
	// [ErrPublishUnsupported].
	Publish(ctx context.Context, id meshnode.NodeID, addrs []netip.AddrPort) error
}

// ErrPublishUnsupported is returned by [Discovery.Publish] implementations
// that can only resolve, never publish.
var ErrPublishUnsupported = errDiscovery("discovery: publish not supported by this provider")

// ErrNotFound is returned by [Discovery.Resolve] when nothing is known
// about the requested node identifier.
var ErrNotFound = errDiscovery("discovery: no known address for node id")

type errDiscovery string

func (e errDiscovery) Error() string { return string(e) }
