package netutil_test

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/reglet-dev/reglet-trust/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureDialer_BlocksLoopback(t *testing.T) {
	t.Parallel()

	var blocked atomic.Int32
	d := &netutil.SecureDialer{
		OnBlocked: func(string, string) { blocked.Add(1) },
	}
	_, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, netutil.IsSSRFBlockedError(err))
	assert.Equal(t, int32(1), blocked.Load())
}

func TestSecureDialer_AllowPrivateNetwork(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	d := &netutil.SecureDialer{AllowPrivateNetwork: true}
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()
}

func TestSecureDialer_PinsResolution(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	var pinned atomic.Int32
	d := &netutil.SecureDialer{
		AllowPrivateNetwork: true,
		OnDNSPinning: func(host string, ip netip.Addr) {
			pinned.Add(1)
			assert.Equal(t, "localhost", host)
		},
	}
	for range 3 {
		conn, err := d.DialContext(context.Background(), "tcp", net.JoinHostPort("localhost", port))
		require.NoError(t, err)
		_ = conn.Close()
	}
	assert.Equal(t, int32(1), pinned.Load())
}

func TestSecureDialer_InvalidAddress(t *testing.T) {
	t.Parallel()

	d := &netutil.SecureDialer{}
	_, err := d.DialContext(context.Background(), "tcp", "no-port")
	require.Error(t, err)
	assert.False(t, netutil.IsSSRFBlockedError(err))
}
