// SPDX-License-Identifier: GPL-3.0-or-later

package gossipproto

import (
	"testing"

	"github.com/bassosimone/meshnode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEndpointUpdateRoundTrip(t *testing.T) {
	id := meshnode.NewNodeIdentity().Public()
	addrs := []string{"10.0.0.1:4433", "[::1]:4433"}

	msg := encodeEndpointUpdate(id, addrs)

	gotID, gotAddrs, ok, err := DecodeEndpointUpdate(msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, addrs, gotAddrs)
}

func TestDecodeEndpointUpdateRejectsOtherTag(t *testing.T) {
	_, _, ok, err := DecodeEndpointUpdate([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeEndpointUpdateRejectsTruncated(t *testing.T) {
	_, _, _, err := DecodeEndpointUpdate([]byte{endpointUpdateTag})
	assert.Error(t, err)
}

func TestEncodeDecodeEndpointUpdateEmptyAddrs(t *testing.T) {
	id := meshnode.NewNodeIdentity().Public()
	msg := encodeEndpointUpdate(id, nil)

	gotID, gotAddrs, ok, err := DecodeEndpointUpdate(msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Empty(t, gotAddrs)
}
