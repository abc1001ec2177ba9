package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// SecureDialer dials with SSRF protection and DNS pinning. A host name is
// resolved once, every address is validated, and the chosen address is
// reused for CacheTTL so a rebinding resolver cannot swap it later.
type SecureDialer struct {
	// OnBlocked is called when an address is rejected.
	OnBlocked func(addr string, reason string)

	// OnDNSPinning is called when a host name is resolved and pinned.
	OnDNSPinning func(host string, ip netip.Addr)

	// Resolver is an optional custom DNS resolver.
	Resolver *net.Resolver

	// Timeout is the dial timeout. Default: 30s.
	Timeout time.Duration

	// CacheTTL is how long a resolution stays pinned. Default: 5min.
	CacheTTL time.Duration

	// AllowPrivateNetwork permits private and loopback addresses.
	AllowPrivateNetwork bool

	once sync.Once
	pins *gocache.Cache
}

// SSRFBlockedError is returned when SSRF protection blocks a connection.
type SSRFBlockedError struct {
	Address string
	Reason  string
}

func (e *SSRFBlockedError) Error() string {
	return fmt.Sprintf("SSRF protection blocked connection to %s: %s", e.Address, e.Reason)
}

// IsSSRFBlockedError returns true if the error is an SSRFBlockedError.
func IsSSRFBlockedError(err error) bool {
	var ssrfErr *SSRFBlockedError
	return errors.As(err, &ssrfErr)
}

// DialContext connects to addr through the pinned, validated address.
func (d *SecureDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	d.once.Do(func() {
		ttl := d.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		d.pins = gocache.New(ttl, 2*ttl)
	})

	if v, ok := d.pins.Get(host); ok {
		return d.dial(ctx, network, v.(netip.Addr), port)
	}

	ip, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	d.pins.SetDefault(host, ip)
	return d.dial(ctx, network, ip, port)
}

func (d *SecureDialer) resolve(ctx context.Context, host string) (netip.Addr, error) {
	opts := []NetfilterOption{WithResolveDNS(false)}
	if d.AllowPrivateNetwork {
		opts = append(opts, WithBlockPrivate(false), WithBlockLocalhost(false))
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, d.validate(host, ip, opts)
	}

	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no IP addresses found for %q", host)
	}

	// Every answer must pass; otherwise a later dial could land on a
	// rejected address.
	selected := ips[0]
	for _, ip := range ips {
		if err := d.validate(host, ip, opts); err != nil {
			return netip.Addr{}, err
		}
		if ip.Unmap().Is4() && !selected.Unmap().Is4() {
			selected = ip
		}
	}
	if d.OnDNSPinning != nil {
		d.OnDNSPinning(host, selected)
	}
	return selected, nil
}

func (d *SecureDialer) validate(host string, ip netip.Addr, opts []NetfilterOption) error {
	result := ValidateAddress(ip.String(), opts...)
	if result.Allowed {
		return nil
	}
	if d.OnBlocked != nil {
		d.OnBlocked(host, result.Reason)
	}
	return &SSRFBlockedError{Address: host, Reason: result.Reason}
}

func (d *SecureDialer) dial(ctx context.Context, network string, ip netip.Addr, port string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
}
