// SPDX-License-Identifier: GPL-3.0-or-later

package blobproto

import (
	"encoding/binary"
	"fmt"

	"github.com/bassosimone/meshnode/store"
)

// CollectionEntry is one (name, hash) pair in a [Collection].
type CollectionEntry struct {
	Name string
	Hash store.Hash
}

// Collection is an ordered list of (name, hash) pairs referring to other
// blobs. A collection is itself stored and addressed exactly like any
// other blob: its bytes are [Collection.Encode]'s output, and its hash is
// `blake3` of those bytes.
type Collection struct {
	Entries []CollectionEntry
}

// Encode serializes the collection as: a 4-byte entry count, followed for
// each entry by a 2-byte name length, the name bytes, and the 32-byte
// hash.
func (c Collection) Encode() []byte {
	size := 4
	for _, e := range c.Entries {
		size += 2 + len(e.Name) + 32
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(c.Entries)))
	off := 4
	for _, e := range c.Entries {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(e.Name)))
		off += 2
		off += copy(buf[off:], e.Name)
		off += copy(buf[off:], e.Hash[:])
	}
	return buf
}

// DecodeCollection parses a collection from blob bytes previously
// produced by [Collection.Encode].
func DecodeCollection(data []byte) (Collection, error) {
	if len(data) < 4 {
		return Collection{}, fmt.Errorf("blobproto: collection too short")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	off := 4

	entries := make([]CollectionEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return Collection{}, fmt.Errorf("blobproto: truncated collection entry %d", i)
		}
		nameLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+nameLen+32 > len(data) {
			return Collection{}, fmt.Errorf("blobproto: truncated collection entry %d", i)
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		var hash store.Hash
		copy(hash[:], data[off:off+32])
		off += 32
		entries = append(entries, CollectionEntry{Name: name, Hash: hash})
	}
	return Collection{Entries: entries}, nil
}
