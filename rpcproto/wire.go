// SPDX-License-Identifier: GPL-3.0-or-later

package rpcproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxFieldSize = 1 << 24

func writeLenPrefixed(w io.Writer, b []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(b)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxFieldSize {
		return nil, fmt.Errorf("rpcproto: field too large: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeRequest serializes req as: length-prefixed method, length-prefixed
// payload.
func writeRequest(w io.Writer, req Request) error {
	if err := writeLenPrefixed(w, []byte(req.Method)); err != nil {
		return err
	}
	return writeLenPrefixed(w, req.Payload)
}

func readRequest(r io.Reader) (Request, error) {
	method, err := readLenPrefixed(r)
	if err != nil {
		return Request{}, err
	}
	payload, err := readLenPrefixed(r)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: string(method), Payload: payload}, nil
}

// writeResponse serializes (payload, err) as: a 1-byte status (0 = ok,
// 1 = error), then either the length-prefixed payload or the
// length-prefixed error message.
func writeResponse(w io.Writer, payload []byte, callErr error) error {
	if callErr != nil {
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		return writeLenPrefixed(w, []byte(callErr.Error()))
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return writeLenPrefixed(w, payload)
}

func readResponse(r io.Reader) ([]byte, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, err
	}
	field, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	if status[0] != 0 {
		return nil, fmt.Errorf("rpcproto: %s", field)
	}
	return field, nil
}
