// SPDX-License-Identifier: GPL-3.0-or-later

package meshnode

import (
	"context"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// dnsUDPBufferSize is the buffer size used to read a DNS-over-UDP response.
//
// 4096 comfortably holds an EDNS0-sized response for the single TXT lookup
// discovery performs; the classic 512-byte limit only applies to resolvers
// that negotiate no EDNS0 buffer size.
const dnsUDPBufferSize = 4096

// DNSOverUDPConn wraps a UDP connection for DNS-over-UDP exchanges.
//
// This type owns the underlying connection. The caller is responsible for
// calling Close() when done.
//
// All fields are safe to modify after construction but before first use of
// Exchange(). Fields must not be mutated concurrently with Exchange().
//
// Construct via [*DNSOverUDPConnFunc].
type DNSOverUDPConn struct {
	// conn is the owned UDP connection.
	conn net.Conn

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the SLogger to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// Close closes the underlying UDP connection.
func (c *DNSOverUDPConn) Close() error {
	return c.conn.Close()
}

// Conn returns the underlying net.Conn for logging purposes.
func (c *DNSOverUDPConn) Conn() net.Conn {
	return c.conn
}

// Exchange performs a DNS exchange over UDP.
// This method may be called multiple times on the same connection.
func (c *DNSOverUDPConn) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	conn := c.conn

	t0 := c.TimeNow()
	deadline, hasDeadline := ctx.Deadline()
	var rqr []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier:  c.ErrClassifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         c.Logger,
		Protocol:       safeconn.Network(conn),
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: "udp",
		TimeNow:        c.TimeNow,
	}
	observeRawQuery := lc.makeQueryObserver(t0, &rqr)
	observeRawResponse := lc.makeResponseObserver(t0, &rqr)

	lc.logStart(t0, deadline)
	resp, err := c.exchange(conn, deadline, hasDeadline, query, observeRawQuery, observeRawResponse)
	lc.logDone(t0, deadline, err)

	return resp, err
}

func (c *DNSOverUDPConn) exchange(
	conn net.Conn,
	deadline time.Time,
	hasDeadline bool,
	query *dns.Msg,
	observeRawQuery func([]byte),
	observeRawResponse func([]byte),
) (*dns.Msg, error) {
	if hasDeadline {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	rawQuery, err := query.Pack()
	if err != nil {
		return nil, err
	}
	observeRawQuery(rawQuery)

	if _, err := conn.Write(rawQuery); err != nil {
		return nil, err
	}

	buffer := make([]byte, dnsUDPBufferSize)
	count, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}
	rawResponse := buffer[:count]
	observeRawResponse(rawResponse)

	resp := new(dns.Msg)
	if err := resp.Unpack(rawResponse); err != nil {
		return nil, err
	}
	return resp, nil
}

// DNSOverUDPConnFunc wraps a net.Conn into a [*DNSOverUDPConn].
//
// This is a [Func] that can be composed into pipelines.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type DNSOverUDPConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverUDPConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSOverUDPConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSOverUDPConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

// NewDNSOverUDPConnFunc returns a new [*DNSOverUDPConnFunc].
//
// The cfg argument contains the common configuration threaded through
// discovery's construction.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverUDPConnFunc(cfg *Config, logger SLogger) *DNSOverUDPConnFunc {
	return &DNSOverUDPConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

var _ Func[net.Conn, *DNSOverUDPConn] = &DNSOverUDPConnFunc{}

// Call wraps the net.Conn into a DNSOverUDPConn.
func (op *DNSOverUDPConnFunc) Call(ctx context.Context, conn net.Conn) (*DNSOverUDPConn, error) {
	return &DNSOverUDPConn{
		conn:          conn,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}, nil
}
