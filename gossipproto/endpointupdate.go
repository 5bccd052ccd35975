// SPDX-License-Identifier: GPL-3.0-or-later

package gossipproto

import (
	"encoding/binary"
	"fmt"

	"github.com/bassosimone/meshnode"
)

// endpointUpdateTag distinguishes an endpoint-update gossip message from
// arbitrary application payloads sharing the same flood-gossip channel.
const endpointUpdateTag = 0xE0

// encodeEndpointUpdate serializes a node's refreshed address list as a
// tagged gossip message: a one-byte tag, the 32-byte node identifier, a
// 2-byte address count, then for each address a 2-byte length and the
// address string itself.
func encodeEndpointUpdate(id meshnode.NodeID, addrs []string) []byte {
	size := 1 + len(id) + 2
	for _, a := range addrs {
		size += 2 + len(a)
	}

	buf := make([]byte, size)
	buf[0] = endpointUpdateTag
	off := 1
	off += copy(buf[off:], id[:])
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(addrs)))
	off += 2
	for _, a := range addrs {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(a)))
		off += 2
		off += copy(buf[off:], a)
	}
	return buf
}

// DecodeEndpointUpdate parses a message previously produced by
// [encodeEndpointUpdate], returning ok=false if msg does not carry the
// endpoint-update tag.
func DecodeEndpointUpdate(msg []byte) (id meshnode.NodeID, addrs []string, ok bool, err error) {
	if len(msg) < 1 || msg[0] != endpointUpdateTag {
		return meshnode.NodeID{}, nil, false, nil
	}
	if len(msg) < 1+len(id)+2 {
		return meshnode.NodeID{}, nil, false, fmt.Errorf("gossipproto: truncated endpoint update")
	}
	off := 1
	copy(id[:], msg[off:off+len(id)])
	off += len(id)

	count := int(binary.BigEndian.Uint16(msg[off : off+2]))
	off += 2

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(msg) {
			return meshnode.NodeID{}, nil, false, fmt.Errorf("gossipproto: truncated endpoint update entry %d", i)
		}
		n := int(binary.BigEndian.Uint16(msg[off : off+2]))
		off += 2
		if off+n > len(msg) {
			return meshnode.NodeID{}, nil, false, fmt.Errorf("gossipproto: truncated endpoint update entry %d", i)
		}
		out = append(out, string(msg[off:off+n]))
		off += n
	}
	return id, out, true, nil
}
