// SPDX-License-Identifier: GPL-3.0-or-later

package blobproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/store"
)

// Protocol is the blob-exchange [registry.ProtocolHandler]: it answers
// Full and LastChunk requests against a shared [store.Store].
//
// Construct via [NewProtocol]; register it under [ALPN].
type Protocol struct {
	Store  store.Store
	Logger meshnode.SLogger
}

var _ registry.ProtocolHandler = &Protocol{}

// NewProtocol returns a [*Protocol] serving blobs out of s.
func NewProtocol(s store.Store, logger meshnode.SLogger) *Protocol {
	if logger == nil {
		logger = meshnode.DefaultSLogger()
	}
	return &Protocol{Store: s, Logger: logger}
}

// Accept implements [registry.ProtocolHandler]: serves every stream the
// peer opens on this connection until the connection closes.
func (p *Protocol) Accept(ctx context.Context, conn registry.ProtocolConn) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("blobproto: accept stream: %w", err)
		}
		go p.serveStream(ctx, stream)
	}
}

func (p *Protocol) serveStream(ctx context.Context, stream registry.Stream) {
	defer stream.Close()

	req, err := readRequest(stream)
	if err != nil {
		p.Logger.Info("blobprotoRequestReadError", slog.Any("err", err))
		return
	}

	data, err := p.Store.Read(ctx, req.Hash)
	if errors.Is(err, store.ErrNotFound) {
		if err := writeNotFound(stream); err != nil {
			p.Logger.Info("blobprotoResponseWriteError", slog.Any("err", err))
		}
		return
	}
	if err != nil {
		p.Logger.Info("blobprotoStoreReadError", slog.Any("err", err))
		if err := writeNotFound(stream); err != nil {
			p.Logger.Info("blobprotoResponseWriteError", slog.Any("err", err))
		}
		return
	}

	if err := writeOKHeader(stream); err != nil {
		p.Logger.Info("blobprotoResponseWriteError", slog.Any("err", err))
		return
	}

	switch req.Kind {
	case kindFull:
		err = p.sendFull(stream, data)
	case kindLastChunk:
		err = p.sendLastChunk(stream, data)
	default:
		err = fmt.Errorf("blobproto: unknown request kind %d", req.Kind)
	}
	if err != nil {
		p.Logger.Info("blobprotoSendError", slog.Any("err", err))
	}
}

// sendFull streams data in ChunkSize frames, always sending at least one
// frame (so a zero-byte blob still yields a size-carrying frame).
func (p *Protocol) sendFull(w io.Writer, data []byte) error {
	size := uint64(len(data))
	offset := uint64(0)
	for {
		end := offset + ChunkSize
		if end > size {
			end = size
		}
		frame := data[offset:end]
		if err := writeFrame(w, frameHeader{Size: size, Offset: offset, Length: uint32(len(frame))}, frame); err != nil {
			return err
		}
		offset = end
		if offset >= size {
			return nil
		}
	}
}

// sendLastChunk sends only the final ChunkSize-rounded frame of data.
func (p *Protocol) sendLastChunk(w io.Writer, data []byte) error {
	size := uint64(len(data))
	offset, length := lastChunkBounds(size)
	frame := data[offset : offset+length]
	return writeFrame(w, frameHeader{Size: size, Offset: offset, Length: uint32(len(frame))}, frame)
}

// Shutdown implements [registry.ProtocolHandler]. The protocol holds no
// resources of its own beyond the shared store, so this is a no-op.
func (p *Protocol) Shutdown(ctx context.Context) error {
	return nil
}
