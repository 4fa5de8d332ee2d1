package nearwire

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Wait is a tagged deadline: either a concrete wall-clock budget,
// measured from call entry, or no deadline at all. The zero value is
// Forever.
type Wait struct {
	d       time.Duration
	bounded bool
}

// Forever blocks without a time limit. The only way out of a Forever
// wait is the awaited event itself or `Network.Close`.
var Forever = Wait{}

// For returns a Wait expiring after d. A non-positive d expires on the
// first deadline check, which makes For(0) a non-blocking probe.
func For(d time.Duration) Wait {
	return Wait{d: d, bounded: true}
}

// Bounded reports whether the wait carries a deadline.
func (w Wait) Bounded() bool { return w.bounded }

// Budget returns the wall-clock budget; only meaningful when Bounded.
func (w Wait) Budget() time.Duration { return w.d }

func (w Wait) String() string {
	if !w.bounded {
		return "forever"
	}
	return w.d.String()
}

// expiry arms a timer on clk and returns its channel plus a stop
// function. A Forever wait yields a nil channel, which never fires in
// a select.
func (w Wait) expiry(clk clock.Clock) (<-chan time.Time, func()) {
	if !w.bounded {
		return nil, func() {}
	}
	t := clk.Timer(w.d)
	return t.C, func() { t.Stop() }
}
