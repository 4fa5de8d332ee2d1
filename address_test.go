package nearwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress_RoundTrip(t *testing.T) {
	for _, s := range []string{
		"127.0.0.1:5555",
		"192.168.1.5:49152",
		"10.0.0.1:65535",
		"classroom-pi.local:8080",
		"[::1]:80",
	} {
		addr, err := ParseAddress(s)
		require.NoError(t, err, s)
		require.Equal(t, s, addr.String(), "must round-trip")

		again, err := ParseAddress(addr.String())
		require.NoError(t, err)
		require.Equal(t, addr, again, "equality is value-based")
	}
}

func TestParseAddress_Malformed(t *testing.T) {
	for _, s := range []string{
		"",
		"127.0.0.1",
		"127.0.0.1:",
		":5555",
		"127.0.0.1:0",
		"127.0.0.1:65536",
		"127.0.0.1:-1",
		"127.0.0.1:port",
		"bad host:5555",
		"a:b:c",
	} {
		_, err := ParseAddress(s)
		require.ErrorIs(t, err, ErrMalformedAddress, "%q must be rejected", s)
	}
}

func TestReservePort(t *testing.T) {
	nw := testNetwork(t, "ports")

	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		port, err := nw.ReservePort()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, DynamicPortFloor)
		require.LessOrEqual(t, port, DynamicPortCeil)
		require.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestPickPreferred(t *testing.T) {
	prefer := []string{"192.168.*"}

	require.Equal(t, "127.0.0.1", pickPreferred(nil, prefer),
		"no candidate falls back to loopback")
	require.Equal(t, "192.168.1.20",
		pickPreferred([]string{"10.0.0.1", "192.168.1.20"}, prefer))
	require.Equal(t, "192.168.1.5",
		pickPreferred([]string{"192.168.1.20", "192.168.1.5"}, prefer),
		"ties break numerically")
	require.Equal(t, "10.0.0.1",
		pickPreferred([]string{"172.16.0.9", "10.0.0.1"}, prefer),
		"unmatched candidates still order numerically")
	require.Equal(t, "172.16.0.9",
		pickPreferred([]string{"172.16.0.9", "10.0.0.1"}, []string{"172.16.*", "10.*"}),
		"explicit preference wins over numeric order")
}

func TestLocalIP(t *testing.T) {
	nw := testNetwork(t, "localip")

	ip, err := nw.LocalIP()
	require.NoError(t, err)
	require.NotEmpty(t, ip)

	again, err := nw.LocalIP()
	require.NoError(t, err)
	require.Equal(t, ip, again, "cached after first call")
}

func TestCompleteAddress(t *testing.T) {
	nw := testNetwork(t, "complete")

	t.Run("full pair passes through", func(t *testing.T) {
		addr, err := nw.CompleteAddress("127.0.0.1:9000")
		require.NoError(t, err)
		require.Equal(t, Address{Host: "127.0.0.1", Port: 9000}, addr)
	})

	t.Run("bare port fills in the host", func(t *testing.T) {
		addr, err := nw.CompleteAddress("5555")
		require.NoError(t, err)
		require.NotEmpty(t, addr.Host)
		require.Equal(t, 5555, addr.Port)
	})

	t.Run("bare host reserves a dynamic port", func(t *testing.T) {
		addr, err := nw.CompleteAddress("127.0.0.1")
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", addr.Host)
		require.GreaterOrEqual(t, addr.Port, DynamicPortFloor)
	})

	t.Run("empty spec fills in everything", func(t *testing.T) {
		addr, err := nw.CompleteAddress("")
		require.NoError(t, err)
		require.NotEmpty(t, addr.Host)
		require.GreaterOrEqual(t, addr.Port, DynamicPortFloor)
	})

	t.Run("junk is rejected", func(t *testing.T) {
		_, err := nw.CompleteAddress("127.0.0.1:port")
		require.ErrorIs(t, err, ErrMalformedAddress)
	})
}
