// SPDX-License-Identifier: GPL-3.0-or-later

package docsproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bassosimone/meshnode/store"
)

// updateTag distinguishes a docs update gossip message from the
// endpoint-update messages gossipproto itself originates, since both
// share the same flood-gossip channel.
const updateTag = 0xD0

// encodeUpdate serializes a (key, hash) pair as a tagged gossip message.
func encodeUpdate(key string, hash store.Hash) []byte {
	buf := make([]byte, 1+2+len(key)+32)
	buf[0] = updateTag
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(key)))
	off := 3
	off += copy(buf[off:], key)
	copy(buf[off:], hash[:])
	return buf
}

// decodeUpdate parses a message previously produced by [encodeUpdate],
// returning ok=false if msg does not carry the docs update tag.
func decodeUpdate(msg []byte) (key string, hash store.Hash, ok bool, err error) {
	if len(msg) < 1 || msg[0] != updateTag {
		return "", store.Hash{}, false, nil
	}
	if len(msg) < 3 {
		return "", store.Hash{}, false, fmt.Errorf("docsproto: truncated update")
	}
	keyLen := int(binary.BigEndian.Uint16(msg[1:3]))
	if len(msg) < 3+keyLen+32 {
		return "", store.Hash{}, false, fmt.Errorf("docsproto: truncated update")
	}
	key = string(msg[3 : 3+keyLen])
	copy(hash[:], msg[3+keyLen:3+keyLen+32])
	return key, hash, true, nil
}

// readKey reads a get-request: a 2-byte length followed by the key
// bytes.
func readKey(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", err
	}
	return string(key), nil
}

func writeKey(w io.Writer, key string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte(key))
	return err
}

// writeGetResponse writes a get-response: a 1-byte found flag, and when
// found the 32-byte hash.
func writeGetResponse(w io.Writer, hash store.Hash, found bool) error {
	if !found {
		_, err := w.Write([]byte{0})
		return err
	}
	buf := make([]byte, 1+32)
	buf[0] = 1
	copy(buf[1:], hash[:])
	_, err := w.Write(buf)
	return err
}

// readGetResponse reads a response previously written by
// [writeGetResponse].
func readGetResponse(r io.Reader) (store.Hash, bool, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return store.Hash{}, false, err
	}
	if flag[0] == 0 {
		return store.Hash{}, false, nil
	}
	var hash store.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return store.Hash{}, false, err
	}
	return hash, true, nil
}
