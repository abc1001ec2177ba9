package netutil

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"
)

// ValidationResult is the outcome of ValidateAddress.
type ValidationResult struct {
	// Reason explains a rejection. Empty when Allowed.
	Reason string
	// IP is the address that was checked.
	IP netip.Addr
	// Allowed reports whether the address may be dialed.
	Allowed bool
}

// NetfilterOption configures ValidateAddress.
type NetfilterOption func(*netfilter)

type netfilter struct {
	resolver       *net.Resolver
	timeout        time.Duration
	blockPrivate   bool
	blockLocalhost bool
	resolveDNS     bool
}

// WithBlockPrivate controls rejection of private, link-local and shared
// address space. Default true.
func WithBlockPrivate(block bool) NetfilterOption {
	return func(f *netfilter) { f.blockPrivate = block }
}

// WithBlockLocalhost controls rejection of loopback addresses. Default true.
func WithBlockLocalhost(block bool) NetfilterOption {
	return func(f *netfilter) { f.blockLocalhost = block }
}

// WithResolveDNS controls whether host names are resolved and every
// resulting address checked. When false, names are rejected. Default true.
func WithResolveDNS(resolve bool) NetfilterOption {
	return func(f *netfilter) { f.resolveDNS = resolve }
}

// WithNetfilterResolver sets the resolver used for host names.
func WithNetfilterResolver(r *net.Resolver) NetfilterOption {
	return func(f *netfilter) { f.resolver = r }
}

// sharedSpace is the carrier-grade NAT range (RFC 6598).
var sharedSpace = netip.MustParsePrefix("100.64.0.0/10")

// metadataAddrs are cloud instance metadata endpoints. They are rejected
// even when private networks are allowed.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"),
	netip.MustParseAddr("fd00:ec2::254"),
}

// ValidateAddress checks whether addr ("host", "host:port" or an IP literal)
// may be dialed by plugin code.
func ValidateAddress(addr string, opts ...NetfilterOption) ValidationResult {
	f := netfilter{
		blockPrivate:   true,
		blockLocalhost: true,
		resolveDNS:     true,
		timeout:        5 * time.Second,
	}
	for _, opt := range opts {
		opt(&f)
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return ValidationResult{Reason: "empty host"}
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return f.check(ip)
	}
	if !f.resolveDNS {
		return ValidationResult{Reason: "host name not resolved: " + host}
	}

	resolver := f.resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	ips, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return ValidationResult{Reason: "resolve " + host + ": " + err.Error()}
	}
	if len(ips) == 0 {
		return ValidationResult{Reason: "no addresses for " + host}
	}
	var first ValidationResult
	for i, ip := range ips {
		r := f.check(ip)
		if !r.Allowed {
			return r
		}
		if i == 0 {
			first = r
		}
	}
	return first
}

func (f netfilter) check(ip netip.Addr) ValidationResult {
	ip = ip.Unmap()
	res := ValidationResult{IP: ip}
	switch reason := classify(ip); {
	case reason == "":
		res.Allowed = true
	case reason == "metadata" || reason == "unspecified" || reason == "multicast":
		res.Reason = reason + " address"
	case reason == "loopback":
		if f.blockLocalhost {
			res.Reason = "loopback address"
		} else {
			res.Allowed = true
		}
	default:
		if f.blockPrivate {
			res.Reason = reason + " address"
		} else {
			res.Allowed = true
		}
	}
	return res
}

func classify(ip netip.Addr) string {
	for _, m := range metadataAddrs {
		if ip == m {
			return "metadata"
		}
	}
	switch {
	case !ip.IsValid(), ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsMulticast(), ip.IsInterfaceLocalMulticast(), ip.IsLinkLocalMulticast():
		return "multicast"
	case ip.IsLinkLocalUnicast():
		return "link-local"
	case ip.IsPrivate(), sharedSpace.Contains(ip):
		return "private"
	}
	return ""
}
