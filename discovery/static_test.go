// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"context"
	"net/netip"
	"testing"

	"github.com/bassosimone/meshnode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDiscoveryPublishThenResolve(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDiscovery()
	id := meshnode.NewNodeIdentity().Public()
	addr := netip.MustParseAddrPort("127.0.0.1:11204")

	require.NoError(t, d.Publish(ctx, id, []netip.AddrPort{addr}))

	got, err := d.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{addr}, got)
}

func TestStaticDiscoveryResolveUnknown(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDiscovery()

	_, err := d.Resolve(ctx, meshnode.NewNodeIdentity().Public())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaticDiscoveryPublishOverwrites(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDiscovery()
	id := meshnode.NewNodeIdentity().Public()

	first := netip.MustParseAddrPort("127.0.0.1:1")
	second := netip.MustParseAddrPort("127.0.0.1:2")

	require.NoError(t, d.Publish(ctx, id, []netip.AddrPort{first}))
	require.NoError(t, d.Publish(ctx, id, []netip.AddrPort{second}))

	got, err := d.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{second}, got)
}
