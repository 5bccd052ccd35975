// SPDX-License-Identifier: GPL-3.0-or-later

package rpcproto

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/bassosimone/meshnode"
	"github.com/quic-go/quic-go"
)

// DefaultRPCPort is the preferred port for the local RPC endpoint, 0x1337.
const DefaultRPCPort = 0x1337

// MaxRPCConnections bounds how many concurrent RPC connections
// [QUICTransport] keeps alive at once, per §6's external-interfaces limit.
const MaxRPCConnections = 16

// maxRPCStreams bounds concurrent bidirectional streams per connection.
const maxRPCStreams = 1024

// QUICTransport is the loopback-only external [Endpoint]: a QUIC listener
// on `127.0.0.1:<rpc_port>` accepting one stream per RPC call.
type QUICTransport struct {
	listener *quic.Listener
	logger   meshnode.SLogger

	sem    chan struct{}
	accept chan streamCall
}

var _ Endpoint = &QUICTransport{}

type streamCall struct {
	stream quic.Stream
	err    error
}

// ListenQUIC binds the local RPC listener. It first tries preferredPort;
// if that port is already in use, it falls back to an OS-chosen port and
// logs a warning, per §6.
func ListenQUIC(preferredPort int, logger meshnode.SLogger) (*QUICTransport, error) {
	if logger == nil {
		logger = meshnode.DefaultSLogger()
	}

	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("rpcproto: generate rpc tls config: %w", err)
	}
	quicConf := &quic.Config{
		MaxIncomingStreams:    maxRPCStreams,
		MaxIncomingUniStreams: 0,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", preferredPort)
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		logger.Info("rpcprotoPreferredPortUnavailable", "port", preferredPort, "err", err)
		listener, err = quic.ListenAddr("127.0.0.1:0", tlsConf, quicConf)
		if err != nil {
			return nil, fmt.Errorf("rpcproto: listen on fallback port: %w", err)
		}
	}

	t := &QUICTransport{
		listener: listener,
		logger:   logger,
		sem:      make(chan struct{}, MaxRPCConnections),
		accept:   make(chan streamCall),
	}
	go t.acceptConnections()
	return t, nil
}

// Port returns the UDP port the listener actually bound to.
func (t *QUICTransport) Port() int {
	return t.listener.Addr().(*net.UDPAddr).Port
}

func (t *QUICTransport) acceptConnections() {
	ctx := context.Background()
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			return // listener closed
		}
		select {
		case t.sem <- struct{}{}:
			go t.serveConnection(conn)
		default:
			conn.CloseWithError(0, "rpcproto: too many concurrent connections")
		}
	}
}

func (t *QUICTransport) serveConnection(conn quic.Connection) {
	defer func() { <-t.sem }()
	ctx := conn.Context()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		select {
		case t.accept <- streamCall{stream: stream}:
		case <-ctx.Done():
			return
		}
	}
}

// Accept implements [Endpoint].
func (t *QUICTransport) Accept(ctx context.Context) (Request, ResponseWriter, error) {
	select {
	case call := <-t.accept:
		if call.err != nil {
			return Request{}, nil, call.err
		}
		req, err := readRequest(call.stream)
		if err != nil {
			call.stream.Close()
			return Request{}, nil, fmt.Errorf("rpcproto: read request: %w", err)
		}
		return req, &streamResponseWriter{stream: call.stream}, nil
	case <-ctx.Done():
		return Request{}, nil, ctx.Err()
	}
}

// Close implements [Endpoint].
func (t *QUICTransport) Close() error {
	return t.listener.Close()
}

type streamResponseWriter struct {
	stream quic.Stream
}

func (w *streamResponseWriter) Reply(payload []byte, err error) error {
	defer w.stream.Close()
	return writeResponse(w.stream, payload, err)
}

// selfSignedTLSConfig returns an ephemeral self-signed TLS configuration
// scoped to the control-plane ALPN, suitable only for the loopback RPC
// listener: the client dialing it already trusts the loopback interface,
// so certificate validation beyond "this is the process we just spawned"
// is not meaningful here.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{meshnode.RPCALPN.String()},
	}, nil
}
