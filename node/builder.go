// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/blobproto"
	"github.com/bassosimone/meshnode/discovery"
	"github.com/bassosimone/meshnode/docsproto"
	"github.com/bassosimone/meshnode/gossipproto"
	"github.com/bassosimone/meshnode/registry"
	"github.com/bassosimone/meshnode/rpcproto"
	"github.com/bassosimone/meshnode/store"
)

// DefaultBindPort is the node's peer-facing QUIC listener's default
// port (§6).
const DefaultBindPort = 11204

// firstAddrTimeout bounds how long [Builder.Spawn] waits for the
// endpoint to report its first local address. Exceeding it is a fatal
// startup error (§4.2).
const firstAddrTimeout = 5 * time.Second

// On-disk layout filenames under a persistent [meshnode.StorageMode]'s
// root directory (§6 "On-disk layout (persistent mode)").
const (
	secretKeyFileName = "secret.key"
	blobStoreDirName  = "blobs"
	legacyFlatDirName = "blobs-legacy"
	rpcStatusFileName = "rpc-status"
)

// ProtocolFactory constructs a [registry.ProtocolHandler] given the
// not-yet-accepting [*Node] handle. Factories run after the endpoint
// exists and the registry of every earlier registration (built-ins,
// then user registrations in call order) is visible via [Node.Registry],
// but before the supervisor begins accepting connections — so a factory
// may call [registry.Lookup] to discover an earlier registration by
// concrete type (§4.1, §4.3).
type ProtocolFactory func(ctx context.Context, n *Node) (registry.ProtocolHandler, error)

type userRegistration struct {
	alpn    meshnode.AlpnBytes
	factory ProtocolFactory
}

// Builder accumulates configuration and protocol registrations, then
// constructs a running [*Node] via [Builder.Spawn]. The zero value is
// not ready to use; construct one with [NewBuilder].
type Builder struct {
	cfg              *meshnode.Config
	identity         *meshnode.NodeIdentity
	identityExplicit bool
	bindPort         int
	storage          meshnode.StorageMode
	gcPolicy         meshnode.GcPolicy

	enableDocs bool
	enableRPC  bool
	rpcPort    int

	discovery discovery.Discovery
	store     store.Store

	registrations []userRegistration
	gcCompleted   func()

	newEndpoint func(identity *meshnode.NodeIdentity, bindPort int, alpns []meshnode.AlpnBytes, logger meshnode.SLogger) (Endpoint, error)
}

// NewBuilder returns a [*Builder] with the spec's defaults: an
// in-memory store, GC disabled, documents disabled, RPC disabled, bind
// port [DefaultBindPort], and a freshly generated identity.
func NewBuilder(cfg *meshnode.Config) *Builder {
	if cfg == nil {
		cfg = meshnode.NewConfig()
	}
	return &Builder{
		cfg:      cfg,
		identity: meshnode.NewNodeIdentity(),
		bindPort: DefaultBindPort,
		storage:  meshnode.MemoryStorage,
		gcPolicy: meshnode.GcDisabled,
		rpcPort:  rpcproto.DefaultRPCPort,
		newEndpoint: func(identity *meshnode.NodeIdentity, bindPort int, alpns []meshnode.AlpnBytes, logger meshnode.SLogger) (Endpoint, error) {
			return ListenQUIC(identity, bindPort, alpns, logger)
		},
	}
}

// Persist switches the builder to a persistent [meshnode.StorageMode]
// rooted at root: [Builder.Spawn] will load (or, on first run, create and
// save) the node's identity from root's secret-key file, back the blob
// store with a [store.Disk] under root, import any legacy flat-store
// layout found there once, and record the chosen RPC port to root's
// rpc-status file if RPC is enabled (§6 "On-disk layout (persistent
// mode)"). A [Builder.WithIdentity] call after Persist still wins: Spawn
// only loads-or-creates the on-disk identity when none was set explicitly.
func (b *Builder) Persist(root string) *Builder {
	b.storage = meshnode.NewPersistentStorage(root)
	return b
}

// WithIdentity overrides the generated identity, e.g. one loaded from
// an on-disk secret-key file in persistent [meshnode.StorageMode].
func (b *Builder) WithIdentity(identity *meshnode.NodeIdentity) *Builder {
	b.identity = identity
	b.identityExplicit = true
	return b
}

// WithBindPort overrides [DefaultBindPort].
func (b *Builder) WithBindPort(port int) *Builder {
	b.bindPort = port
	return b
}

// WithStorage sets the node's [meshnode.StorageMode].
func (b *Builder) WithStorage(mode meshnode.StorageMode) *Builder {
	b.storage = mode
	return b
}

// WithStore injects a [store.Store] directly, bypassing the storage
// mode's own construction. Tests use this to supply [store.NewMem] or a
// hand-written fake.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithGCPolicy sets the GC loop's [meshnode.GcPolicy] (§4.6).
func (b *Builder) WithGCPolicy(policy meshnode.GcPolicy) *Builder {
	b.gcPolicy = policy
	return b
}

// WithDocuments enables the built-in document-sync protocol, registered
// after gossip so its factory can look gossip up by type (§4.3).
func (b *Builder) WithDocuments(enabled bool) *Builder {
	b.enableDocs = enabled
	return b
}

// WithRPC enables the external (loopback QUIC) RPC transport in
// addition to the always-present in-process one, optionally overriding
// [rpcproto.DefaultRPCPort].
func (b *Builder) WithRPC(enabled bool, preferredPort int) *Builder {
	b.enableRPC = enabled
	if preferredPort > 0 {
		b.rpcPort = preferredPort
	}
	return b
}

// WithDiscovery attaches a [discovery.Discovery] provider used to
// resolve node identifiers for outbound connections.
func (b *Builder) WithDiscovery(d discovery.Discovery) *Builder {
	b.discovery = d
	return b
}

// WithGCCompletedHook registers fn to be invoked after every GC cycle
// whose sweep phase finishes without a fatal event, for test
// synchronization.
func (b *Builder) WithGCCompletedHook(fn func()) *Builder {
	b.gcCompleted = fn
	return b
}

// WithEndpointFactory overrides how the peer-facing [Endpoint] is
// constructed. Supervisor-level tests use this to inject a fake
// endpoint instead of binding a real UDP socket.
func (b *Builder) WithEndpointFactory(factory func(identity *meshnode.NodeIdentity, bindPort int, alpns []meshnode.AlpnBytes, logger meshnode.SLogger) (Endpoint, error)) *Builder {
	b.newEndpoint = factory
	return b
}

// Register adds a user protocol registration under alpn. Applied after
// every built-in registration (§4.1: "built-ins are registered first so
// a user registration under the same ALPN silently takes over").
func (b *Builder) Register(alpn meshnode.AlpnBytes, factory ProtocolFactory) *Builder {
	b.registrations = append(b.registrations, userRegistration{alpn: alpn, factory: factory})
	return b
}

// builtinALPNs returns the ALPNs the builder will register before any
// user registration, used to size the endpoint's negotiated-protocol
// list before any handler exists.
func (b *Builder) builtinALPNs() []meshnode.AlpnBytes {
	alpns := []meshnode.AlpnBytes{meshnode.BlobALPN, gossipproto.ALPN}
	if b.enableDocs {
		alpns = append(alpns, docsproto.ALPN)
	}
	return alpns
}

// Spawn constructs and starts a [*Node]: binds the endpoint, applies
// built-in then user protocol registrations, freezes the registry,
// delivers the initial endpoint-update synchronously, and starts the
// supervisor's event loop, the endpoint-update fanout, and (if enabled)
// the GC loop as background tasks.
//
// Every failure here is fatal and returned as a wrapped error; Spawn
// never leaves partial state behind for the caller to clean up; either
// every step above succeeds and a running [*Node] is returned, or
// nothing was started at all.
func (b *Builder) Spawn(ctx context.Context) (*Node, error) {
	logger := b.cfg.Logger
	if logger == nil {
		logger = meshnode.DefaultSLogger()
	}

	if b.storage.Persistent() && !b.identityExplicit {
		identity, err := loadOrCreateIdentity(b.storage.Root())
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		b.identity = identity
	}

	s := b.store
	if s == nil {
		if b.storage.Persistent() {
			disk, err := newPersistentStore(ctx, b.storage.Root())
			if err != nil {
				return nil, fmt.Errorf("node: %w", err)
			}
			s = disk
		} else {
			s = store.NewMem()
		}
	}

	alpns := b.builtinALPNs()
	for _, r := range b.registrations {
		alpns = append(alpns, r.alpn)
	}

	endpoint, err := b.newEndpoint(b.identity, b.bindPort, alpns, logger)
	if err != nil {
		return nil, fmt.Errorf("node: bind endpoint: %w", err)
	}
	if err := waitFirstAddr(ctx, endpoint); err != nil {
		endpoint.Close(0, "startup failed")
		return nil, fmt.Errorf("node: %w", err)
	}

	reg := &registry.ProtocolRegistry{}
	reg.Register(meshnode.BlobALPN, blobproto.NewProtocol(s, logger))
	reg.Register(gossipproto.ALPN, gossipproto.New(logger))
	if b.enableDocs {
		reg.Register(docsproto.ALPN, docsproto.New(reg, logger))
	}

	n := &Node{
		identity:    b.identity,
		endpoint:    endpoint,
		registry:    reg,
		store:       s,
		logger:      logger,
		gcPolicy:    b.gcPolicy,
		discovery:   b.discovery,
		localRPC:    rpcproto.NewLocalTransport(),
		connSem:     make(chan struct{}, maxPeerConnections),
		gcCompleted: b.gcCompleted,
	}

	for _, r := range b.registrations {
		handler, err := r.factory(ctx, n)
		if err != nil {
			endpoint.Close(0, "startup failed")
			return nil, fmt.Errorf("node: protocol factory for %q: %w", r.alpn.String(), err)
		}
		reg.Register(r.alpn, handler)
	}
	reg.Freeze()

	if b.enableRPC {
		external, err := rpcproto.ListenQUIC(b.rpcPort, logger)
		if err != nil {
			endpoint.Close(0, "startup failed")
			return nil, fmt.Errorf("node: bind rpc endpoint: %w", err)
		}
		n.externalRPC = external

		if b.storage.Persistent() {
			if err := writeRPCStatusFile(b.storage.Root(), external.Port()); err != nil {
				logger.Info("nodeRPCStatusFileError", "err", err)
			}
		}
	}

	supervisorCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.supervisorDone = make(chan struct{})
	n.tasks = NewBackgroundTaskSet(supervisorCtx)

	// Initial endpoint-update delivery is synchronous, before the
	// supervisor loop (and hence the fanout task) ever starts (§4.5).
	n.deliverUpdate(n.endpoint.LocalAddrs())

	n.tasks.Spawn(n.fanoutUpdates)
	if n.gcPolicy.Enabled() {
		n.tasks.Spawn(n.gcLoop)
	}
	go n.run(supervisorCtx)

	return n, nil
}

// loadOrCreateIdentity loads the node identity from root's secret-key
// file, creating and saving a fresh one if the file does not yet exist
// (§6 "a secret-key file (node identity), created on first run if
// absent").
func loadOrCreateIdentity(root string) (*meshnode.NodeIdentity, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	path := filepath.Join(root, secretKeyFileName)
	seed, err := os.ReadFile(path)
	if err == nil {
		identity, err := meshnode.NodeIdentityFromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("load secret key file: %w", err)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret key file: %w", err)
	}

	identity := meshnode.NewNodeIdentity()
	if err := os.WriteFile(path, identity.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("save secret key file: %w", err)
	}
	return identity, nil
}

// newPersistentStore builds the on-disk blob store under root, importing
// any legacy flat-store layout found alongside it exactly once (§6 "On
// first use in persistent mode...").
func newPersistentStore(ctx context.Context, root string) (*store.Disk, error) {
	disk, err := store.NewDisk(filepath.Join(root, blobStoreDirName))
	if err != nil {
		return nil, fmt.Errorf("create disk store: %w", err)
	}
	legacyRoot := filepath.Join(root, legacyFlatDirName)
	if err := store.ImportLegacyFlatStore(ctx, legacyRoot, disk); err != nil {
		return nil, fmt.Errorf("import legacy flat store: %w", err)
	}
	return disk, nil
}

// writeRPCStatusFile records port so a second process sharing root can
// discover which port this node's external RPC endpoint bound to (§6 "an
// rpc-status file recording the chosen RPC port").
func writeRPCStatusFile(root string, port int) error {
	path := filepath.Join(root, rpcStatusFileName)
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", port)), 0o600)
}

// ReadRPCStatusFile returns the RPC port a node persisted under root via
// [Builder.Persist] with RPC enabled, so another process sharing root can
// find that node's control-plane port.
func ReadRPCStatusFile(root string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, rpcStatusFileName))
	if err != nil {
		return 0, fmt.Errorf("node: read rpc status file: %w", err)
	}
	var port int
	if _, err := fmt.Sscanf(string(data), "%d", &port); err != nil {
		return 0, fmt.Errorf("node: parse rpc status file: %w", err)
	}
	return port, nil
}

// waitFirstAddr blocks until endpoint reports at least one local
// address, or firstAddrTimeout elapses — whichever comes first (§4.2).
func waitFirstAddr(ctx context.Context, endpoint Endpoint) error {
	if len(endpoint.LocalAddrs()) > 0 {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, firstAddrTimeout)
	defer cancel()

	select {
	case addrs, ok := <-endpoint.Updates():
		if ok && len(addrs) > 0 {
			return nil
		}
		return fmt.Errorf("endpoint closed before reporting a local address")
	case <-timeoutCtx.Done():
		return fmt.Errorf("timed out waiting for a local address: %w", timeoutCtx.Err())
	}
}
