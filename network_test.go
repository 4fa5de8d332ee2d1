package nearwire

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	nw, err := New()
	require.NoError(t, err)
	require.Equal(t, DefaultBeaconPort, nw.cfg.beaconPort)
	require.Equal(t, DefaultBeaconInterval, nw.cfg.beaconInterval)
	require.NoError(t, nw.Close())
	require.NoError(t, nw.Close(), "Close is idempotent")
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(WithBeaconPort(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New(WithBeaconTarget("not an address"))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrMalformedAddress)
}

func TestNetwork_OperationsAfterClose(t *testing.T) {
	nw := testNetwork(t, "closed", beaconOpts(t)...)
	require.NoError(t, nw.Close())

	_, err := nw.Advertise("svc", Address{})
	require.ErrorIs(t, err, ErrShutdown)

	_, err = nw.Discover("svc", Forever)
	require.ErrorIs(t, err, ErrShutdown)

	addr := Address{Host: "127.0.0.1", Port: 55555}
	_, err = nw.SendMessage(addr, "ping", For(time.Second))
	require.ErrorIs(t, err, ErrShutdown)

	require.Nil(t, nw.DiscoverAll())
}

func TestNew_ClampsMetricLabels(t *testing.T) {
	labels := make([]metrics.Label, 1, 8)
	labels[0] = metrics.Label{Name: "env", Value: "test"}

	nw := testNetwork(t, "labels", WithMetricLabels(labels))

	// Spare capacity would let concurrent appends at metric call sites
	// share (and race on) the backing array.
	require.Equal(t, len(nw.labels), cap(nw.labels))
}

func TestNetwork_CloseDuringAdvertise(t *testing.T) {
	nw := testNetwork(t, "racer", beaconOpts(t)...)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := nw.Advertise(fmt.Sprintf("svc-%d", i), Address{})
			errs <- err
		}(i)
	}

	// Tear down while advertisers are still spinning up; Close must
	// wait cleanly for whatever loops were started.
	require.NoError(t, nw.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrShutdown)
		}
	}
}

func TestNetwork_CloseUnblocksForeverWaits(t *testing.T) {
	nw := testNetwork(t, "blocked", beaconOpts(t)...)

	errCh := make(chan error, 1)
	go func() {
		_, err := nw.Discover("never-advertised", Forever)
		errCh <- err
	}()

	// Give the waiter time to park before tearing down.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, nw.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("Forever wait survived Close")
	}
}
