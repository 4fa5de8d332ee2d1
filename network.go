package nearwire

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

// Network is the explicit per-process context everything hangs off:
// the socket pool, the discovery beacon and the name cache. One
// instance per process is the expected shape, but ownership and
// shutdown are explicit rather than ambient.
type Network struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	clk    clock.Clock

	pool *socketPool
	reg  *registry

	mu          sync.Mutex
	advertisers map[string]*advertiser
	beacon      *handle
	localIP     string
	usedPorts   map[int]bool
	rng         *rand.Rand

	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New builds a Network. Nothing touches the wire yet: the beacon
// listener starts lazily on the first Advertise or Discover, and
// messaging sockets are created on first use.
func New(opts ...Option) (*Network, error) {
	cfg := config{
		beaconPort:       DefaultBeaconPort,
		beaconInterval:   DefaultBeaconInterval,
		preferredSubnets: []string{"192.168.*"},
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	nw := &Network{
		cfg:         cfg,
		reg:         newRegistry(),
		advertisers: make(map[string]*advertiser),
		usedPorts:   make(map[int]bool),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		shutdownCh:  make(chan struct{}),
	}

	if cfg.logHandler != nil {
		nw.logger = slog.New(cfg.logHandler)
	} else {
		nw.logger = slog.Default()
	}
	if cfg.msink != nil {
		nw.msink = cfg.msink
	} else {
		nw.msink = metrics.Default()
	}
	if cfg.clk != nil {
		nw.clk = cfg.clk
	} else {
		nw.clk = clock.New()
	}
	// Full-capacity slice so concurrent appends at metric call sites
	// always copy instead of sharing the backing array.
	nw.labels = cfg.metricLabels[:len(cfg.metricLabels):len(cfg.metricLabels)]
	nw.pool = newSocketPool(nw.logger, nw.msink, nw.labels)
	return nw, nil
}

// Close tears the Network down in order: advertisers stop
// broadcasting, then the beacon listener and every pooled socket are
// closed, then background tasks are drained. Idempotent; operations
// after Close fail with ErrShutdown.
func (nw *Network) Close() error {
	nw.mu.Lock()
	if nw.shutdown {
		nw.mu.Unlock()
		return nil
	}
	nw.shutdown = true
	advs := make([]*advertiser, 0, len(nw.advertisers))
	for _, adv := range nw.advertisers {
		advs = append(advs, adv)
	}
	nw.advertisers = make(map[string]*advertiser)
	nw.mu.Unlock()

	close(nw.shutdownCh)
	for _, adv := range advs {
		adv.stop()
	}
	nw.pool.closeAll()
	nw.wg.Wait()
	nw.logger.Debug("network closed")
	return nil
}
