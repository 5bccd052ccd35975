// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/meshnode"
	"github.com/bassosimone/meshnode/registry"
	"github.com/quic-go/quic-go"
)

// maxPeerConnections bounds how many concurrent peer connections the
// endpoint keeps accepted at once (§6: max 1024 concurrent connections).
const maxPeerConnections = 1024

// maxBidiStreamsPerConn bounds concurrent bidirectional streams per peer
// connection (§6: max 10 per connection).
const maxBidiStreamsPerConn = 10

// Conn is a half-open inbound (or dialed) peer connection: a
// [registry.ProtocolConn] plus the negotiated ALPN, read once the TLS
// handshake completes and before the supervisor dispatches to a handler.
type Conn interface {
	registry.ProtocolConn

	// ALPN returns the protocol negotiated during the TLS handshake.
	ALPN() meshnode.AlpnBytes
}

// Endpoint is the peer-facing transport the supervisor's event loop
// multiplexes over: a single bound socket accepting inbound connections
// tagged with whichever ALPN the registry knows how to handle, plus the
// ability to dial a known address directly (§6 "connect <node-id>").
type Endpoint interface {
	// LocalAddrs returns the addresses this endpoint is currently
	// reachable at.
	LocalAddrs() []string

	// Updates delivers a new snapshot of LocalAddrs every time the set
	// changes. Closed once the endpoint is closed.
	Updates() <-chan []string

	// Accept blocks until a peer completes a handshake, returning the
	// resulting half-open connection with its ALPN already negotiated.
	Accept(ctx context.Context) (Conn, error)

	// Dial opens a connection to addr, requesting alpn.
	Dial(ctx context.Context, addr string, alpn meshnode.AlpnBytes) (Conn, error)

	// Close closes the endpoint, delivering code/reason to any peer
	// whose connection is still open.
	Close(code uint64, reason string) error
}

// quicEndpoint is the default [Endpoint], backed by a single QUIC
// listener bound to the node's identity: the TLS certificate's public
// key is the node's [meshnode.NodeID], so a peer's identifier is read
// directly off its presented certificate rather than out-of-band.
type quicEndpoint struct {
	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config
	logger   meshnode.SLogger

	updates chan []string

	mu    sync.Mutex
	conns map[*quicConn]struct{}
}

var _ Endpoint = &quicEndpoint{}

// ListenQUIC binds the node's peer-facing endpoint to 0.0.0.0:bindPort,
// negotiating only the ALPNs in alpns. Binding failure is fatal to
// [Builder.Spawn]: there is no partial-endpoint state (§4.2).
func ListenQUIC(identity *meshnode.NodeIdentity, bindPort int, alpns []meshnode.AlpnBytes, logger meshnode.SLogger) (*quicEndpoint, error) {
	if logger == nil {
		logger = meshnode.DefaultSLogger()
	}

	tlsConf, err := identityTLSConfig(identity, alpns)
	if err != nil {
		return nil, fmt.Errorf("node: build identity tls config: %w", err)
	}
	quicConf := &quic.Config{
		MaxIncomingStreams:    maxBidiStreamsPerConn,
		MaxIncomingUniStreams: 0,
	}

	addr := fmt.Sprintf("0.0.0.0:%d", bindPort)
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("node: bind peer endpoint: %w", err)
	}

	e := &quicEndpoint{
		listener: listener,
		tlsConf:  tlsConf,
		quicConf: quicConf,
		logger:   logger,
		// quic-go binds synchronously: by the time ListenQUIC returns,
		// LocalAddrs already reflects the bound address, and it never
		// changes again for the lifetime of the listener. Updates is
		// only ever closed, on Close.
		updates: make(chan []string),
		conns:   make(map[*quicConn]struct{}),
	}
	return e, nil
}

// Port returns the UDP port the listener actually bound to.
func (e *quicEndpoint) Port() int {
	return e.listener.Addr().(*net.UDPAddr).Port
}

// LocalAddrs implements [Endpoint].
func (e *quicEndpoint) LocalAddrs() []string {
	return []string{e.listener.Addr().String()}
}

// Updates implements [Endpoint].
func (e *quicEndpoint) Updates() <-chan []string {
	return e.updates
}

// Accept implements [Endpoint]: accepts the next QUIC connection and
// reads the negotiated ALPN off the completed handshake before
// returning. Accept itself does not bound the number of connections; the
// supervisor caps concurrent handlers at [maxPeerConnections].
func (e *quicEndpoint) Accept(ctx context.Context) (Conn, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return e.track(newQUICConn(conn)), nil
}

// Dial implements [Endpoint].
func (e *quicEndpoint) Dial(ctx context.Context, addr string, alpn meshnode.AlpnBytes) (Conn, error) {
	dialTLS := e.tlsConf.Clone()
	dialTLS.NextProtos = []string{alpn.String()}

	conn, err := quic.DialAddr(ctx, addr, dialTLS, e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("node: dial %s: %w", addr, err)
	}
	return e.track(newQUICConn(conn)), nil
}

func (e *quicEndpoint) track(c *quicConn) *quicConn {
	c.endpoint = e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c] = struct{}{}
	return c
}

func (e *quicEndpoint) untrack(c *quicConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, c)
}

// Close implements [Endpoint]: stops accepting new connections and
// closes every connection still tracked with code/reason, so peers
// observe the shutdown rather than a bare transport reset (§4.7
// "provider terminating").
func (e *quicEndpoint) Close(code uint64, reason string) error {
	err := e.listener.Close()

	e.mu.Lock()
	conns := make([]*quicConn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	}

	close(e.updates)
	return err
}

// quicConn adapts a [quic.Connection] to [Conn].
type quicConn struct {
	conn     quic.Connection
	alpn     meshnode.AlpnBytes
	endpoint *quicEndpoint
}

func newQUICConn(conn quic.Connection) *quicConn {
	state := conn.ConnectionState()
	return &quicConn{conn: conn, alpn: meshnode.AlpnBytes(state.TLS.NegotiatedProtocol)}
}

var _ Conn = &quicConn{}

// RemoteNodeID implements [registry.ProtocolConn]: the peer's node
// identifier is the Ed25519 public key embedded in its TLS certificate.
func (c *quicConn) RemoteNodeID() meshnode.NodeID {
	state := c.conn.ConnectionState()
	var id meshnode.NodeID
	if len(state.TLS.PeerCertificates) == 0 {
		return id
	}
	if pub, ok := state.TLS.PeerCertificates[0].PublicKey.(ed25519.PublicKey); ok {
		copy(id[:], pub)
	}
	return id
}

func (c *quicConn) ALPN() meshnode.AlpnBytes { return c.alpn }

func (c *quicConn) AcceptStream(ctx context.Context) (registry.Stream, error) {
	return c.conn.AcceptStream(ctx)
}

func (c *quicConn) AcceptUniStream(ctx context.Context) (registry.ReadStream, error) {
	return c.conn.AcceptUniStream(ctx)
}

func (c *quicConn) OpenStream(ctx context.Context) (registry.Stream, error) {
	return c.conn.OpenStreamSync(ctx)
}

func (c *quicConn) OpenUniStream(ctx context.Context) (registry.WriteStream, error) {
	return c.conn.OpenUniStreamSync(ctx)
}

func (c *quicConn) Close() error {
	if c.endpoint != nil {
		c.endpoint.untrack(c)
	}
	return c.conn.CloseWithError(0, "")
}

// identitySigner adapts a [meshnode.NodeIdentity] to [crypto.Signer] so
// its Ed25519 key pair can be used directly as the endpoint's TLS
// certificate key: the certificate's public key equals the node's
// [meshnode.NodeID], letting peers read it straight off the handshake
// instead of exchanging identities out of band.
type identitySigner struct {
	identity *meshnode.NodeIdentity
}

func (s identitySigner) Public() crypto.PublicKey {
	id := s.identity.Public()
	return ed25519.PublicKey(append([]byte(nil), id[:]...))
}

func (s identitySigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.Hash(0) {
		return nil, errors.New("node: identity signer only supports ed25519's unhashed signing mode")
	}
	return s.identity.Sign(digest), nil
}

// identityTLSConfig builds the TLS configuration for both the listening
// and the dialing side of the peer endpoint. Verification is intentionally
// not chain-based (there is no CA): a connection's remote identity is
// whatever public key its self-signed leaf certificate carries, and
// protocols that care about it (the blob-exchange client verifies
// transferred content against a hash, not against the serving peer's
// identity) are responsible for any trust decision beyond "I reached the
// peer I dialed".
func identityTLSConfig(identity *meshnode.NodeIdentity, alpns []meshnode.AlpnBytes) (*tls.Config, error) {
	signer := identitySigner{identity: identity}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("node: create identity certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: signer}

	nextProtos := make([]string, len(alpns))
	for i, a := range alpns {
		nextProtos[i] = a.String()
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            nextProtos,
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerPresentsCertificate,
	}, nil
}

func verifyPeerPresentsCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("node: peer presented no certificate")
	}
	_, err := x509.ParseCertificate(rawCerts[0])
	return err
}
