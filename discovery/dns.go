// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"context"
	"encoding/base32"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/bassosimone/meshnode"
	"github.com/miekg/dns"
)

// dnsIDEncoding is the base32 alphabet used to embed a node identifier
// in a DNS label: lowercase, no padding, matching the conventions DNS
// labels are typically written in.
var dnsIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DNSDiscovery resolves a node identifier to addresses via a TXT record
// lookup: `<nodeid-base32>._meshnode.<zone>`, whose value is a
// comma-separated list of `host:port` pairs (§6).
//
// Publish is unsupported: this provider only ever reads a zone it does
// not control.
//
// Construct via [NewDNSDiscovery]. All fields are safe to modify after
// construction but before first use of [DNSDiscovery.Resolve].
type DNSDiscovery struct {
	// Zone is the DNS zone TXT records are looked up under, e.g.
	// "discovery.example.com".
	Zone string

	// Resolver is the DNS server to query.
	Resolver netip.AddrPort

	// Timeout bounds a single exchange. Defaults to 5s if zero.
	Timeout time.Duration

	cfg    *meshnode.Config
	logger meshnode.SLogger
}

var _ Discovery = &DNSDiscovery{}

// NewDNSDiscovery returns a [*DNSDiscovery] resolving names under zone
// using the given resolver, with logging and dialing wired from cfg.
func NewDNSDiscovery(cfg *meshnode.Config, zone string, resolver netip.AddrPort) *DNSDiscovery {
	return &DNSDiscovery{
		Zone:     zone,
		Resolver: resolver,
		Timeout:  5 * time.Second,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// recordName returns the TXT record name for id under d.Zone.
func (d *DNSDiscovery) recordName(id meshnode.NodeID) string {
	label := strings.ToLower(dnsIDEncoding.EncodeToString(id[:]))
	return dns.Fqdn(fmt.Sprintf("%s._meshnode.%s", label, d.Zone))
}

// Resolve implements [Discovery] by querying d.Resolver for the TXT
// record naming id, parsing its value as a comma-separated address list.
func (d *DNSDiscovery) Resolve(ctx context.Context, id meshnode.NodeID) ([]netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(ctx, d.effectiveTimeout())
	defer cancel()

	pipeline := meshnode.Compose3(
		meshnode.NewEndpointFunc(d.Resolver),
		meshnode.NewConnectFunc(d.cfg, "udp", d.logger),
		meshnode.NewDNSOverUDPConnFunc(d.cfg, d.logger),
	)

	conn, err := pipeline.Call(ctx, meshnode.Unit{})
	if err != nil {
		return nil, fmt.Errorf("discovery: dial resolver: %w", err)
	}
	defer conn.Close()

	query := new(dns.Msg).SetQuestion(d.recordName(id), dns.TypeTXT)
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("discovery: dns exchange: %w", err)
	}

	addrs, err := parseTXTAddrs(resp)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNotFound
	}
	return addrs, nil
}

// Publish implements [Discovery]: always fails, this provider cannot
// write to the zone it resolves against.
func (d *DNSDiscovery) Publish(ctx context.Context, id meshnode.NodeID, addrs []netip.AddrPort) error {
	return ErrPublishUnsupported
}

func (d *DNSDiscovery) effectiveTimeout() time.Duration {
	if d.Timeout <= 0 {
		return 5 * time.Second
	}
	return d.Timeout
}

// parseTXTAddrs extracts host:port addresses from the TXT answers in resp.
// Each TXT record's strings are joined (DNS TXT records may split a long
// value across multiple character-strings) and then split on commas.
func parseTXTAddrs(resp *dns.Msg) ([]netip.AddrPort, error) {
	if resp == nil {
		return nil, ErrNotFound
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, ErrNotFound
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("discovery: dns response code %s", dns.RcodeToString[resp.Rcode])
	}

	var out []netip.AddrPort
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := strings.Join(txt.Txt, "")
		for _, field := range strings.Split(joined, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			addr, err := parseHostPort(field)
			if err != nil {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

func parseHostPort(field string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(field)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}
