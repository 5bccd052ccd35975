// SPDX-License-Identifier: GPL-3.0-or-later

package blobproto

import (
	"bytes"
	"testing"

	"github.com/bassosimone/meshnode/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := request{Kind: kindLastChunk, Hash: store.HashBytes([]byte("x"))}

	var buf bytes.Buffer
	require.NoError(t, req.writeTo(&buf))

	got, err := readRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestFrameRoundTrip(t *testing.T) {
	h := frameHeader{Size: 100, Offset: 64, Length: 36}
	data := bytes.Repeat([]byte{0xAB}, 36)

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, h, data))

	gotH, gotData, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, gotH)
	assert.Equal(t, data, gotData)
}

func TestLastChunkBoundsExactMultiple(t *testing.T) {
	offset, length := lastChunkBounds(ChunkSize * 3)
	assert.Equal(t, uint64(ChunkSize*2), offset)
	assert.Equal(t, uint64(ChunkSize), length)
}

func TestLastChunkBoundsPartial(t *testing.T) {
	offset, length := lastChunkBounds(ChunkSize*2 + 1234)
	assert.Equal(t, uint64(ChunkSize*2), offset)
	assert.Equal(t, uint64(1234), length)
}

func TestLastChunkBoundsZero(t *testing.T) {
	offset, length := lastChunkBounds(0)
	assert.Equal(t, uint64(0), offset)
	assert.Equal(t, uint64(0), length)
}
