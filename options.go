package nearwire

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	// DefaultBeaconPort is the well-known UDP port advertisements are
	// broadcast on. Every process of a deployment must agree on it.
	DefaultBeaconPort = 53370

	// DefaultBeaconInterval is the re-broadcast period of an active
	// advertisement.
	DefaultBeaconInterval = 2 * time.Second
)

type config struct {
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
	clk              clock.Clock
	beaconPort       int
	beaconTarget     string
	beaconInterval   time.Duration
	preferredSubnets []string
}

// Option to pass to `New`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics
// emitted by your `Network`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// Network.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock substitutes the wall clock driving beacon tickers and
// deadlines. Tests pass a mock; everyone else keeps the default.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk != nil {
			c.clk = clk
		}
		return nil
	}
}

// WithBeaconPort moves the discovery broadcast off the default
// well-known port.
func WithBeaconPort(port int) Option {
	return func(c *config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("beacon port out of range: %d", port)
		}
		c.beaconPort = port
		return nil
	}
}

// WithBeaconInterval controls how often an active advertisement is
// re-broadcast.
func WithBeaconInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = DefaultBeaconInterval
		}
		c.beaconInterval = interval
		return nil
	}
}

// WithBeaconTarget points advertisements at an explicit "host:port"
// destination instead of the limited broadcast address. Useful when
// broadcast does not traverse (across subnets) and in tests, where a
// unicast loopback target keeps datagrams on the machine.
func WithBeaconTarget(target string) Option {
	return func(c *config) error {
		if _, err := ParseAddress(target); err != nil {
			return err
		}
		c.beaconTarget = target
		return nil
	}
}

// WithPreferredSubnets ranks candidate local IPv4 addresses with
// glob patterns, most preferred first. The default is "192.168.*".
func WithPreferredSubnets(globs ...string) Option {
	return func(c *config) error {
		c.preferredSubnets = globs
		return nil
	}
}
