// SPDX-License-Identifier: GPL-3.0-or-later

// Package blobproto implements the blob-exchange protocol: a single
// request/response exchange per bidirectional stream, letting a peer
// fetch a blob (or its final chunk, without knowing its size in advance)
// by content hash from another node's [store.Store].
//
// A [Collection] is itself just a blob whose bytes encode an ordered list
// of (name, hash) pairs; fetching one is not a distinct wire operation,
// it's [Client.Get] followed by client-side decoding and further Gets.
package blobproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/store"
)

// ALPN is the canonical ALPN for the blob-exchange protocol.
var ALPN = meshnode.BlobALPN

// ChunkSize is the size of each frame a Full transfer is split into, and
// the unit a LastChunk request rounds against. 64 KiB, per §8's boundary
// and size-probe scenarios.
const ChunkSize = 64 * 1024

// requestKind distinguishes the two request shapes the wire format
// supports.
type requestKind uint8

const (
	kindFull requestKind = iota
	kindLastChunk
)

// request is the fixed-size message a client writes to a freshly opened
// stream: one byte of kind followed by the 32-byte blob hash.
type request struct {
	Kind requestKind
	Hash store.Hash
}

const requestSize = 1 + 32

func (r request) writeTo(w io.Writer) error {
	var buf [requestSize]byte
	buf[0] = byte(r.Kind)
	copy(buf[1:], r.Hash[:])
	_, err := w.Write(buf[:])
	return err
}

func readRequest(r io.Reader) (request, error) {
	var buf [requestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return request{}, err
	}
	var req request
	req.Kind = requestKind(buf[0])
	copy(req.Hash[:], buf[1:])
	return req, nil
}

// responseStatus is the first byte of every response.
type responseStatus uint8

const (
	statusOK responseStatus = iota
	statusNotFound
)

// ErrNotFound mirrors [store.ErrNotFound] on the wire: the provider does
// not hold (a complete copy of) the requested blob.
var ErrNotFound = errors.New("blobproto: blob not found")

// frameHeader precedes each chunk of response data: where in the blob
// this frame starts, and how many bytes it carries.
type frameHeader struct {
	Size   uint64 // total blob size, repeated on every frame for convenience
	Offset uint64 // byte offset of this frame within the blob
	Length uint32 // number of bytes in this frame
}

const frameHeaderSize = 8 + 8 + 4

func writeNotFound(w io.Writer) error {
	_, err := w.Write([]byte{byte(statusNotFound)})
	return err
}

func writeOKHeader(w io.Writer) error {
	_, err := w.Write([]byte{byte(statusOK)})
	return err
}

func writeFrame(w io.Writer, h frameHeader, data []byte) error {
	var buf [frameHeaderSize]byte
	binary.BigEndian.PutUint64(buf[0:8], h.Size)
	binary.BigEndian.PutUint64(buf[8:16], h.Offset)
	binary.BigEndian.PutUint32(buf[16:20], h.Length)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readStatus(r io.Reader) (responseStatus, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return responseStatus(buf[0]), nil
}

func readFrame(r io.Reader) (frameHeader, []byte, error) {
	var buf [frameHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, nil, err
	}
	h := frameHeader{
		Size:   binary.BigEndian.Uint64(buf[0:8]),
		Offset: binary.BigEndian.Uint64(buf[8:16]),
		Length: binary.BigEndian.Uint32(buf[16:20]),
	}
	if h.Length > ChunkSize {
		return frameHeader{}, nil, fmt.Errorf("blobproto: frame too large: %d", h.Length)
	}
	data := make([]byte, h.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return frameHeader{}, nil, err
	}
	return h, data, nil
}

// lastChunkBounds returns the [offset, size) range of the final chunk of
// a blob of the given size, per §8's size-probe scenario: for a size
// that is an exact multiple of ChunkSize, the final chunk is still a
// full ChunkSize (there is always at least one chunk, even for size 0).
func lastChunkBounds(size uint64) (offset uint64, length uint64) {
	if size == 0 {
		return 0, 0
	}
	rem := size % ChunkSize
	if rem == 0 {
		rem = ChunkSize
	}
	return size - rem, rem
}
