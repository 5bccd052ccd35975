// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/bassosimone/meshnode/discovery"
	"github.com/bassosimone/meshnode/docsproto"
	"github.com/bassosimone/meshnode/gossipproto"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/rpcproto"
	"github.com/bassosimone/meshnode/store"
)

// rpcResult is one accepted call (or terminal error) from an
// [rpcproto.Endpoint], turned into a channel value so the supervisor's
// event loop can select over it alongside every other source (§4.4).
type rpcResult struct {
	req rpcproto.Request
	rw  rpcproto.ResponseWriter
	err error
}

// rpcSource adapts ep.Accept's blocking call/return shape into a
// channel, closed once ep reports a terminal error (closed transport or
// context cancellation) rather than after every individual accept — a
// single peer's bad request is never terminal (§4.4: "a dispatcher that
// spawns a handler task", not a loop that dies with the handler).
func rpcSource(ctx context.Context, ep rpcproto.Endpoint) <-chan rpcResult {
	ch := make(chan rpcResult)
	go func() {
		defer close(ch)
		for {
			req, rw, err := ep.Accept(ctx)
			select {
			case ch <- rpcResult{req: req, rw: rw, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && (ctx.Err() != nil || errors.Is(err, rpcproto.ErrClosed)) {
				return
			}
		}
	}()
	return ch
}

// peerResult is one accepted (or terminally failed) inbound peer
// connection.
type peerResult struct {
	conn Conn
	err  error
}

func peerSource(ctx context.Context, ep Endpoint) <-chan peerResult {
	ch := make(chan peerResult)
	go func() {
		defer close(ch)
		for {
			conn, err := ep.Accept(ctx)
			select {
			case ch <- peerResult{conn: conn, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// run is the supervisor's single cooperative event loop (§4.4): a
// repeated select biased toward cancellation, over external RPC,
// internal RPC, and inbound peer connections, exiting either on
// cancellation or once every source has permanently closed. Either exit
// path runs the shutdown sequence (§4.7) before returning.
func (n *Node) run(ctx context.Context) {
	defer close(n.supervisorDone)

	var externalCh <-chan rpcResult
	if n.externalRPC != nil {
		externalCh = rpcSource(ctx, n.externalRPC)
	}
	internalCh := rpcSource(ctx, n.localRPC)
	peerCh := peerSource(ctx, n.endpoint)

	live := 2 // internal RPC + peer connections
	if externalCh != nil {
		live++
	}

loop:
	for live > 0 {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		select {
		case <-ctx.Done():
			break loop

		case res, ok := <-externalCh:
			if !ok {
				externalCh = nil
				live--
				continue
			}
			n.handleRPCResult(res, "external")

		case res, ok := <-internalCh:
			if !ok {
				internalCh = nil
				live--
				continue
			}
			n.handleRPCResult(res, "internal")

		case pres, ok := <-peerCh:
			if !ok {
				peerCh = nil
				live--
				continue
			}
			n.handlePeerResult(pres)
		}
	}

	n.shutdownSequence(context.Background())
}

func (n *Node) handleRPCResult(res rpcResult, source string) {
	if res.err != nil {
		n.logger.Info("nodeRPCAcceptError", "source", source, "err", res.err)
		return
	}
	req, rw := res.req, res.rw
	n.tasks.Spawn(func(ctx context.Context) error {
		payload, err := n.handleRPC(ctx, req)
		if replyErr := rw.Reply(payload, err); replyErr != nil {
			n.logger.Info("nodeRPCReplyError", "source", source, "err", replyErr)
		}
		return nil
	})
}

func (n *Node) handlePeerResult(res peerResult) {
	if res.err != nil {
		n.logger.Info("nodePeerAcceptError", "err", res.err)
		return
	}
	conn := res.conn
	alpn := conn.ALPN()
	handler, ok := n.registry.Get(alpn)
	if !ok {
		n.logger.Info("nodePeerUnknownALPN", "alpn", alpn.String(), "remote", conn.RemoteNodeID().String())
		conn.Close()
		return
	}

	select {
	case n.connSem <- struct{}{}:
	default:
		n.logger.Info("nodePeerConnectionLimitReached", "alpn", alpn.String(), "remote", conn.RemoteNodeID().String())
		conn.Close()
		return
	}

	n.tasks.Spawn(func(ctx context.Context) error {
		defer func() { <-n.connSem }()
		if err := handler.Accept(ctx, conn); err != nil {
			n.logger.Info("nodeProtocolHandlerError", "alpn", alpn.String(), "remote", conn.RemoteNodeID().String(), "err", err)
		}
		return nil
	})
}

// fanoutUpdates delivers every subsequent endpoint address-update to
// the gossip handler (if registered), as a dedicated background task
// (§4.5). The very first update is delivered synchronously by
// [Builder.Spawn], before this task — and the supervisor loop itself —
// ever starts.
func (n *Node) fanoutUpdates(ctx context.Context) error {
	for {
		select {
		case addrs, ok := <-n.endpoint.Updates():
			if !ok {
				return nil
			}
			n.deliverUpdate(addrs)
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Node) deliverUpdate(addrs []string) {
	if g, ok := registry.Lookup[*gossipproto.Gossip](n.registry); ok {
		g.UpdateEndpoints(n.ID(), addrs)
	}
	n.publishAddrs(addrs)
}

// publishAddrs announces addrs to the configured [discovery.Discovery]
// provider, if any. A provider that cannot publish (e.g. a read-only DNS
// zone) is not an error worth logging (§6).
func (n *Node) publishAddrs(addrs []string) {
	if n.discovery == nil {
		return
	}
	parsed := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		if ap, err := netip.ParseAddrPort(a); err == nil {
			parsed = append(parsed, ap)
		}
	}
	if len(parsed) == 0 {
		return
	}
	err := n.discovery.Publish(context.Background(), n.ID(), parsed)
	if err != nil && !errors.Is(err, discovery.ErrPublishUnsupported) {
		n.logger.Info("nodeDiscoveryPublishError", "err", err)
	}
}

// gcLoop runs mark-and-sweep cycles over the store on n.gcPolicy's
// interval (§4.6). Only one cycle is ever in flight; a refused
// [store.Store.GCStart] exits the loop permanently rather than retrying,
// and a cycle that fails to collect every subsystem's liveness
// contribution, or whose mark phase reports a fatal event, aborts that
// cycle without sweeping — it does not exit the loop. A fatal sweep event
// likewise aborts the cycle: the completion hook is not invoked for it.
func (n *Node) gcLoop(ctx context.Context) error {
	if !n.gcPolicy.Enabled() {
		return nil
	}
	interval := n.gcPolicy.Interval()

	for {
		if err := n.store.GCStart(ctx); err != nil {
			n.logger.Info("nodeGCStartRefused", "err", err)
			return nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil
		}

		live, err := n.collectLiveness()
		if err != nil {
			n.logger.Info("nodeGCLivenessError", "err", err)
			continue
		}

		aborted := false
		for ev := range n.store.GCMark(ctx, live) {
			n.logGCEvent("mark", ev)
			if ev.Kind == store.GCFatal {
				aborted = true
			}
		}
		if aborted {
			continue
		}

		for ev := range n.store.GCSweep(ctx, live) {
			n.logGCEvent("sweep", ev)
			if ev.Kind == store.GCFatal {
				aborted = true
			}
		}
		if aborted {
			continue
		}
		if n.gcCompleted != nil {
			n.gcCompleted()
		}
	}
}

func (n *Node) collectLiveness() (map[store.Hash]struct{}, error) {
	live := make(map[store.Hash]struct{})
	if d, ok := registry.Lookup[*docsproto.Docs](n.registry); ok {
		for h := range d.ContentHashes() {
			live[h] = struct{}{}
		}
	}
	return live, nil
}

func (n *Node) logGCEvent(phase string, ev store.GCEvent) {
	if ev.Err != nil {
		n.logger.Info("nodeGCEvent", "phase", phase, "message", ev.Message, "err", ev.Err)
		return
	}
	n.logger.Debug("nodeGCEvent", "phase", phase, "message", ev.Message)
}

// shutdownSequence runs the five-step shutdown (§4.7): flush the store,
// quiesce every registered handler in registration order (snapshotting
// the registry first so no lock is held across a handler's own
// Shutdown), close the endpoint with a "provider terminating" code, and
// close both RPC transports. Background tasks are not waited on here:
// they share the same cancelled context and are expected to unwind on
// their own; dropping the task set is exactly not waiting for them.
func (n *Node) shutdownSequence(ctx context.Context) {
	if err := n.store.Shutdown(ctx); err != nil {
		n.logger.Info("nodeStoreShutdownError", "err", err)
	}

	for _, reg := range n.registry.Snapshot() {
		if err := reg.Handler.Shutdown(ctx); err != nil {
			n.logger.Info("nodeHandlerShutdownError", "alpn", reg.ALPN.String(), "err", err)
		}
	}

	if err := n.endpoint.Close(0, "provider terminating"); err != nil {
		n.logger.Info("nodeEndpointCloseError", "err", err)
	}

	n.localRPC.Close()
	if n.externalRPC != nil {
		n.externalRPC.Close()
	}
}
