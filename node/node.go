// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/discovery"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/rpcproto"
	"github.com/bassosimone/meshnode/store"
)

// Node is a running node: its identity, endpoint, registry, store, and
// the control-plane RPC transports layered over it. Construct one with
// [Builder.Spawn].
type Node struct {
	identity  *meshnode.NodeIdentity
	endpoint  Endpoint
	registry  *registry.ProtocolRegistry
	store     store.Store
	logger    meshnode.SLogger
	gcPolicy  meshnode.GcPolicy
	discovery discovery.Discovery

	localRPC    *rpcproto.LocalTransport
	externalRPC *rpcproto.QUICTransport

	tasks *BackgroundTaskSet

	// connSem bounds concurrent peer-connection handler tasks to
	// maxPeerConnections (§6).
	connSem chan struct{}

	// gcCompleted, if set, is invoked after every GC cycle whose sweep
	// phase finishes without a fatal event. Tests use it to synchronize on cycle completion
	// instead of sleeping.
	gcCompleted func()

	cancel         context.CancelFunc
	supervisorDone chan struct{}
	shutdownOnce   sync.Once
}

// ID returns the node's own identifier.
func (n *Node) ID() meshnode.NodeID {
	return n.identity.Public()
}

// LocalAddrs returns the addresses the node's endpoint is currently
// reachable at.
func (n *Node) LocalAddrs() []string {
	return n.endpoint.LocalAddrs()
}

// Registry returns the node's frozen protocol registry, as handed to
// every protocol factory during [Builder.Spawn].
func (n *Node) Registry() *registry.ProtocolRegistry {
	return n.registry
}

// Store returns the node's blob store.
func (n *Node) Store() store.Store {
	return n.store
}

// LocalRPC returns the in-process control-plane transport used by the
// embedded RPC client (§4.4, §6).
func (n *Node) LocalRPC() *rpcproto.LocalTransport {
	return n.localRPC
}

// RPCPort returns the bound port of the external RPC listener, and
// whether one is enabled at all.
func (n *Node) RPCPort() (int, bool) {
	if n.externalRPC == nil {
		return 0, false
	}
	return n.externalRPC.Port(), true
}

// Dial opens a peer connection to addr (a host:port pair), requesting
// alpn. Callers holding only a [meshnode.NodeID] should use
// [Node.Connect] instead, which resolves through the configured
// [discovery.Discovery] provider first.
func (n *Node) Dial(ctx context.Context, addr string, alpn meshnode.AlpnBytes) (Conn, error) {
	return n.endpoint.Dial(ctx, addr, alpn)
}

// Connect resolves id through the node's [discovery.Discovery] provider
// and dials the first address that accepts, requesting alpn (§6
// "connect <node-id>"). Returns an error if no discovery provider is
// configured, resolution fails, or every resolved address refuses the
// connection.
func (n *Node) Connect(ctx context.Context, id meshnode.NodeID, alpn meshnode.AlpnBytes) (Conn, error) {
	if n.discovery == nil {
		return nil, fmt.Errorf("node: no discovery provider configured, cannot resolve %s", id)
	}
	addrs, err := n.discovery.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node: resolve %s: %w", id, err)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := n.endpoint.Dial(ctx, addr.String(), alpn)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("node: every resolved address for %s refused the connection: %w", id, lastErr)
}

// Shutdown trips the node's cancellation token and waits for the
// supervisor to complete the shutdown sequence (§4.7), or for ctx to be
// done first. Idempotent: a second call observes the already-tripped
// token and returns once the first call's shutdown sequence completes.
func (n *Node) Shutdown(ctx context.Context) error {
	n.shutdownOnce.Do(func() {
		n.cancel()
	})
	select {
	case <-n.supervisorDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleRPC answers the node's one built-in RPC method: "status", used
// by tests driving the embedded client. Unknown methods are rejected rather than silently ignored.
func (n *Node) handleRPC(ctx context.Context, req rpcproto.Request) ([]byte, error) {
	switch req.Method {
	case "status":
		return []byte(fmt.Sprintf("%s %v", n.ID().String(), n.LocalAddrs())), nil
	default:
		return nil, fmt.Errorf("node: unknown rpc method %q", req.Method)
	}
}
