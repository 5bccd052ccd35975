// SPDX-License-Identifier: GPL-3.0-or-later

package meshnode

// AlpnBytes names a protocol multiplexed over the node's single QUIC
// endpoint. Equality is bytewise, matching the ALPN TLS extension it is
// ultimately carried in.
type AlpnBytes []byte

// String returns the ALPN as a string, for logging.
func (a AlpnBytes) String() string {
	return string(a)
}

// Equal reports whether a and other name the same protocol.
func (a AlpnBytes) Equal(other AlpnBytes) bool {
	return string(a) == string(other)
}

// Well-known ALPN values reserved by the built-in protocols. The builder
// registers these unconditionally (blob exchange, gossip) or conditionally
// (document sync, when enabled); user-supplied ALPNs are arbitrary byte
// strings applied after the built-ins, so they may replace any of these.
var (
	// BlobALPN is the canonical ALPN for the blob-exchange protocol.
	BlobALPN = AlpnBytes("meshnode/blobs/1")

	// GossipALPN is the canonical ALPN for the gossip protocol.
	GossipALPN = AlpnBytes("meshnode/gossip/1")

	// DocsALPN is the canonical ALPN for the document-sync protocol.
	DocsALPN = AlpnBytes("meshnode/docs/1")

	// RPCALPN is used only by the local control-plane RPC endpoint; it is
	// never advertised to peers and never appears in the peer-facing ALPN
	// list the endpoint negotiates.
	RPCALPN = AlpnBytes("meshnode/rpc/1")
)
