// SPDX-License-Identifier: GPL-3.0-or-later

// Package meshnode provides the ambient building blocks shared by every
// subsystem of a meshnode peer: structured logging, error classification,
// span correlation, generic composition of async steps, and the node's
// long-lived cryptographic identity.
//
// # Subsystems
//
// The node itself lives in github.com/bassosimone/meshnode/node: a
// node.Builder assembles a QUIC node.Endpoint, a registry.ProtocolRegistry,
// a store.Store and an optional discovery.Discovery, then spawns a
// supervisor task that multiplexes RPC acceptance, peer-connection
// acceptance, and cancellation (see that package's docs for the event loop,
// the GC loop, and shutdown). There is no separate downloader component:
// blobs are fetched from peers with blobproto.Client.
//
// This root package holds only what every subsystem needs regardless of
// which one it lives in:
//
//   - [NodeIdentity]: the node's signing key pair; the public half is its
//     [NodeID].
//   - [AlpnBytes] and the well-known ALPN constants multiplexed over the
//     single QUIC endpoint.
//   - [Config]: defaults (dialer, clock, error classifier, logger); the
//     builder takes its logger, DNS discovery its dialer, classifier and
//     logger.
//   - [SLogger]/[DefaultSLogger], [ErrClassifier]/[DefaultErrClassifier],
//     [NewSpanID]: structured observability primitives.
//   - [Func], [Compose2]..[Compose8], [FuncAdapter], [ConstFunc], [Apply]:
//     generic async-step composition, used by the DNS discovery pipeline to
//     chain endpoint/dial/exchange steps with uniform logging.
//   - [CancelWatchFunc]: binds a connection's lifetime to a context, used to
//     close the client end of an in-process RPC pipe when the calling
//     context is done.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default logging is disabled; set [Config.Logger] to enable
// it. Error classification is configurable via [ErrClassifier]; by default a
// no-op classifier is used. Use [NewSpanID] to generate a unique,
// time-ordered identifier (UUIDv7) for each accepted connection or RPC call,
// then attach it to the logger so every log line from that operation can be
// correlated.
package meshnode
