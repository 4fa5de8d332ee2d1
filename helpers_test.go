package nearwire

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func testNetwork(t *testing.T, emitter string, opts ...Option) *Network {
	t.Helper()
	base := []Option{
		WithLog(testLogHandler(emitter)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}
	nw, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, nw.Close()) })
	return nw
}

// beaconOpts confines the beacon to a per-test loopback port so
// parallel tests never cross-talk and no datagram leaves the machine.
// The loopback broadcast address keeps delivery to every listener
// sharing the port; plain unicast would reach only one member of the
// SO_REUSEPORT group.
func beaconOpts(t *testing.T) []Option {
	t.Helper()
	port := freeUDPPort(t)
	return []Option{
		WithBeaconPort(port),
		WithBeaconTarget(fmt.Sprintf("127.255.255.255:%d", port)),
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func freeTCPAddr(t *testing.T) Address {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return Address{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port}
}
