// SPDX-License-Identifier: GPL-3.0-or-later

package rpcproto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestWireRoundTrip(t *testing.T) {
	req := Request{Method: "status", Payload: []byte("payload-bytes")}

	var buf bytes.Buffer
	require.NoError(t, writeRequest(&buf, req))

	got, err := readRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseWireRoundTripOK(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, []byte("result"), nil))

	got, err := readResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), got)
}

func TestResponseWireRoundTripError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, nil, errors.New("boom")))

	_, err := readResponse(&buf)
	assert.ErrorContains(t, err, "boom")
}

func TestRequestWireEmptyPayload(t *testing.T) {
	req := Request{Method: "ping"}

	var buf bytes.Buffer
	require.NoError(t, writeRequest(&buf, req))

	got, err := readRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Method)
	assert.Empty(t, got.Payload)
}
