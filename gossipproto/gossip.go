// SPDX-License-Identifier: GPL-3.0-or-later

// Package gossipproto implements a minimal flood-gossip protocol: every
// peer connection the handler accepts is kept open and fed every message
// the local node broadcasts, and every message received from one peer is
// relayed to every other connected peer exactly once.
//
// Full gossip membership and dissemination (SWIM-style failure detection,
// epidemic fanout bounds) is out of scope; this is the minimal built-in
// satisfying the protocol plug-in contract's self-test, and the fanout
// target for the node's endpoint-update broadcast.
package gossipproto

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/registry"
)

// ALPN is the canonical ALPN for the gossip protocol.
var ALPN = meshnode.AlpnBytes("meshnode/gossip/1")

const maxMessageSize = 1 << 20

// Gossip is the flood-gossip [registry.ProtocolHandler]. Construct via
// [New]; the zero value has no peer table and no logger.
type Gossip struct {
	logger meshnode.SLogger

	mu          sync.Mutex
	peers       map[*peerConn]struct{}
	subscribers []func([]byte)
}

var _ registry.ProtocolHandler = &Gossip{}

// New returns a ready-to-register [*Gossip] handler.
func New(logger meshnode.SLogger) *Gossip {
	if logger == nil {
		logger = meshnode.DefaultSLogger()
	}
	return &Gossip{logger: logger, peers: make(map[*peerConn]struct{})}
}

type peerConn struct {
	id     meshnode.NodeID
	stream registry.Stream
	mu     sync.Mutex // serializes writes to stream
}

func (p *peerConn) send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeFrame(p.stream, msg)
}

// Accept implements [registry.ProtocolHandler]: opens one bidirectional
// stream per connection, registers it as a gossip peer, and relays every
// inbound message to every other connected peer until the stream closes.
func (g *Gossip) Accept(ctx context.Context, conn registry.ProtocolConn) error {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("gossipproto: open stream: %w", err)
	}
	defer stream.Close()

	pc := &peerConn{id: conn.RemoteNodeID(), stream: stream}
	g.addPeer(pc)
	defer g.removePeer(pc)

	r := bufio.NewReader(stream)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gossipproto: read frame: %w", err)
		}
		g.relay(pc, msg)
		g.notify(msg)
	}
}

// Subscribe registers fn to be called with every message received from a
// peer, in addition to the normal relay to other peers. Used by protocols
// layered on top of gossip (document sync) to observe propagated updates
// without their own connection to every peer.
func (g *Gossip) Subscribe(fn func(msg []byte)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

func (g *Gossip) notify(msg []byte) {
	g.mu.Lock()
	subs := append([]func([]byte){}, g.subscribers...)
	g.mu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}

func (g *Gossip) addPeer(pc *peerConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[pc] = struct{}{}
}

func (g *Gossip) removePeer(pc *peerConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, pc)
}

// relay forwards msg, received from source, to every other connected peer.
func (g *Gossip) relay(source *peerConn, msg []byte) {
	g.mu.Lock()
	targets := make([]*peerConn, 0, len(g.peers))
	for pc := range g.peers {
		if pc != source {
			targets = append(targets, pc)
		}
	}
	g.mu.Unlock()

	for _, pc := range targets {
		if err := pc.send(msg); err != nil {
			g.logger.Info("gossiprotoRelayError", "err", err)
		}
	}
}

// Broadcast sends msg to every currently connected peer. This is the
// fanout target of the node's endpoint-update broadcast (peers learn
// about each other's refreshed addresses as a gossip message).
func (g *Gossip) Broadcast(msg []byte) {
	g.mu.Lock()
	targets := make([]*peerConn, 0, len(g.peers))
	for pc := range g.peers {
		targets = append(targets, pc)
	}
	g.mu.Unlock()

	for _, pc := range targets {
		if err := pc.send(msg); err != nil {
			g.logger.Info("gossiprotoBroadcastError", "err", err)
		}
	}
}

// UpdateEndpoints encodes addrs as a gossip message and broadcasts it to
// every connected peer; the dispatch target the node's endpoint-update
// fanout calls after rediscovering its own reachable addresses.
func (g *Gossip) UpdateEndpoints(id meshnode.NodeID, addrs []string) {
	g.Broadcast(encodeEndpointUpdate(id, addrs))
}

// PeerCount returns the number of currently connected gossip peers.
func (g *Gossip) PeerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

// Shutdown implements [registry.ProtocolHandler]. Peer streams are closed
// by their own Accept goroutines returning when ctx is done; this holds
// no additional resources.
func (g *Gossip) Shutdown(ctx context.Context) error {
	return nil
}

func writeFrame(w io.Writer, msg []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(msg)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("gossipproto: message too large: %d", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
