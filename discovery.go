package nearwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// MaxNameLength bounds advertised names so an advertisement always
// fits a single datagram.
const MaxNameLength = 128

const maxBeaconDatagram = 512

// Entry is one consumer-side sighting of an advertised name.
type Entry struct {
	Name     string
	Addr     Address
	LastSeen time.Time
}

// encodeAdvert renders the beacon wire format: `name\thost:port`.
// Interoperability is only required between nearwire processes, so a
// delimited text encoding is all there is.
func encodeAdvert(name string, addr Address) []byte {
	return []byte(name + "\t" + addr.String())
}

func decodeAdvert(datagram []byte) (string, Address, error) {
	name, addrStr, ok := bytes.Cut(datagram, []byte{'\t'})
	if !ok || len(name) == 0 {
		return "", Address{}, fmt.Errorf("%w: advertisement without separator", ErrMalformedAddress)
	}
	addr, err := ParseAddress(string(addrStr))
	if err != nil {
		return "", Address{}, err
	}
	return string(name), addr, nil
}

// registry is the consumer-side name cache. Writes come only from the
// beacon listener goroutine (and the local fast-path on Advertise);
// last-seen-wins keeps duplicated and out-of-order advertisements
// harmless.
type registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	waiters map[string][]chan Address
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]Entry),
		waiters: make(map[string][]chan Address),
	}
}

func (r *registry) record(name string, addr Address, now time.Time) {
	r.mu.Lock()
	r.entries[name] = Entry{Name: name, Addr: addr, LastSeen: now}
	waiters := r.waiters[name]
	delete(r.waiters, name)
	r.mu.Unlock()

	for _, ch := range waiters {
		// Buffered by one; a waiter that already gave up just leaves
		// the value behind.
		select {
		case ch <- addr:
		default:
		}
	}
}

func (r *registry) lookup(name string) (Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.Addr, ok
}

// await registers interest in a name, re-checking the cache under the
// lock so a concurrent record cannot fall between lookup and wait.
func (r *registry) await(name string) (Address, bool, chan Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.Addr, true, nil
	}
	ch := make(chan Address, 1)
	r.waiters[name] = append(r.waiters[name], ch)
	return Address{}, false, ch
}

func (r *registry) cancelWait(name string, ch chan Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[name]
	for i, w := range waiters {
		if w == ch {
			r.waiters[name] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[name]) == 0 {
		delete(r.waiters, name)
	}
}

func (r *registry) snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// listenBeacon binds the well-known beacon port with SO_REUSEADDR and
// SO_REUSEPORT so several processes on one machine can listen to
// broadcast advertisements at once.
func listenBeacon(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("%w: beacon port %d", ErrAddressInUse, port)
		}
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// dialBeacon opens the send side of the beacon: an unbound UDP socket
// with SO_BROADCAST set.
func dialBeacon() (*net.UDPConn, error) {
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// advertiser is the per-name background task re-broadcasting an
// Advertisement until stopped.
type advertiser struct {
	name   string
	addr   Address
	stopCh chan struct{}
	once   sync.Once
}

func (a *advertiser) stop() {
	a.once.Do(func() { close(a.stopCh) })
}

// beaconTarget resolves where advertisement datagrams are sent.
func (nw *Network) beaconTarget() (*net.UDPAddr, error) {
	target := nw.cfg.beaconTarget
	if target == "" {
		target = fmt.Sprintf("255.255.255.255:%d", nw.cfg.beaconPort)
	}
	return net.ResolveUDPAddr("udp4", target)
}

// ensureBeaconLocked starts the beacon listener once; both producers
// and consumers need it running. Callers hold nw.mu.
func (nw *Network) ensureBeaconLocked() error {
	if nw.shutdown {
		return ErrShutdown
	}
	if nw.beacon != nil {
		return nil
	}
	h, err := nw.pool.acquire(RoleListener, Address{Host: "0.0.0.0", Port: nw.cfg.beaconPort})
	if err != nil {
		return err
	}
	nw.beacon = h
	nw.wg.Add(1)
	go nw.listenLoop(h)
	return nil
}

func (nw *Network) listenLoop(h *handle) {
	defer nw.wg.Done()
	buf := make([]byte, maxBeaconDatagram)
	for {
		n, _, err := h.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-nw.shutdownCh:
				return
			default:
			}
			nw.msink.IncrCounterWithLabels(MetricBeaconInErrorCount, 1.0, nw.labels)
			continue
		}
		name, addr, err := decodeAdvert(buf[:n])
		if err != nil {
			nw.logger.Debug("dropping malformed advertisement", LabelError.L(err))
			nw.msink.IncrCounterWithLabels(MetricBeaconInErrorCount, 1.0, nw.labels)
			continue
		}
		nw.reg.record(name, addr, nw.clk.Now())
		nw.msink.IncrCounterWithLabels(MetricBeaconInCount, 1.0,
			append(nw.labels, LabelName.M(name)))
	}
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLength || strings.ContainsAny(name, "\t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Advertise binds name to an address and starts broadcasting the pair
// on the beacon, immediately and then at the configured interval,
// until StopAdvertising or Close. A zero `at` auto-selects the local
// outward-facing IP and a fresh dynamic port; the bound address is
// returned so the caller can hand it out directly where broadcast
// does not reach.
//
// Advertising the same name again with the same address is a no-op;
// with a different address it supersedes the previous advertisement.
func (nw *Network) Advertise(name string, at Address) (Address, error) {
	if err := validateName(name); err != nil {
		return Address{}, err
	}

	addr := at
	if addr.IsZero() || addr.Host == "" {
		ip, err := nw.LocalIP()
		if err != nil {
			return Address{}, err
		}
		addr.Host = ip
	}
	if addr.Port == 0 {
		port, err := nw.ReservePort()
		if err != nil {
			return Address{}, err
		}
		addr.Port = port
	}

	target, err := nw.beaconTarget()
	if err != nil {
		return Address{}, err
	}
	targetAddr := Address{Host: target.IP.String(), Port: target.Port}

	nw.mu.Lock()
	if err := nw.ensureBeaconLocked(); err != nil {
		nw.mu.Unlock()
		return Address{}, err
	}
	if prev, ok := nw.advertisers[name]; ok {
		if prev.addr == addr {
			nw.mu.Unlock()
			return addr, nil
		}
		prev.stop()
	}
	h, err := nw.pool.acquire(RoleAdvertiser, targetAddr)
	if err != nil {
		nw.mu.Unlock()
		return Address{}, err
	}
	adv := &advertiser{name: name, addr: addr, stopCh: make(chan struct{})}
	nw.advertisers[name] = adv
	// The Add must not race Close's Wait; under nw.mu, Close cannot
	// have set shutdown yet.
	nw.wg.Add(1)
	nw.mu.Unlock()

	// Local fast-path: our own names are discoverable even where the
	// broadcast interface filters loopback delivery.
	nw.reg.record(name, addr, nw.clk.Now())

	payload := encodeAdvert(name, addr)
	nw.sendBeacon(h, payload, target, name)

	go nw.advertiseLoop(adv, h, payload, target)

	nw.logger.Info("advertising", LabelName.L(name), LabelAddr.L(addr.String()))
	return addr, nil
}

func (nw *Network) advertiseLoop(adv *advertiser, h *handle, payload []byte, target *net.UDPAddr) {
	defer nw.wg.Done()
	defer nw.pool.release(h)
	ticker := nw.clk.Ticker(nw.cfg.beaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nw.sendBeacon(h, payload, target, adv.name)
		case <-adv.stopCh:
			return
		case <-nw.shutdownCh:
			return
		}
	}
}

// sendBeacon writes one advertisement datagram, retrying a transient
// failure once with no backoff.
func (nw *Network) sendBeacon(h *handle, payload []byte, target *net.UDPAddr, name string) {
	_, err := h.udp.WriteToUDP(payload, target)
	if err != nil {
		_, err = h.udp.WriteToUDP(payload, target)
	}
	if err != nil {
		nw.logger.Warn("beacon send failed", LabelName.L(name), LabelError.L(err))
		nw.msink.IncrCounterWithLabels(MetricBeaconOutErrorCount, 1.0, nw.labels)
		return
	}
	nw.msink.IncrCounterWithLabels(MetricBeaconOutCount, 1.0, nw.labels)
}

// StopAdvertising stops the periodic broadcast for name. Consumers
// keep their cached sighting; entries only ever age out by being
// overwritten.
func (nw *Network) StopAdvertising(name string) {
	nw.mu.Lock()
	adv, ok := nw.advertisers[name]
	if ok {
		delete(nw.advertisers, name)
	}
	nw.mu.Unlock()
	if ok {
		adv.stop()
		nw.logger.Info("stopped advertising", LabelName.L(name))
	}
}

// Discover resolves name to the most recently seen address. A cached
// sighting returns immediately; otherwise the call blocks until a
// matching advertisement arrives or the wait budget is spent, failing
// with ErrDiscoveryTimeout.
func (nw *Network) Discover(name string, wait Wait) (Address, error) {
	if err := validateName(name); err != nil {
		return Address{}, err
	}
	nw.mu.Lock()
	if err := nw.ensureBeaconLocked(); err != nil {
		nw.mu.Unlock()
		return Address{}, err
	}
	nw.mu.Unlock()

	if addr, ok := nw.reg.lookup(name); ok {
		nw.msink.IncrCounterWithLabels(MetricDiscoverHitCount, 1.0, nw.labels)
		return addr, nil
	}

	addr, ok, ch := nw.reg.await(name)
	if ok {
		nw.msink.IncrCounterWithLabels(MetricDiscoverHitCount, 1.0, nw.labels)
		return addr, nil
	}
	defer nw.reg.cancelWait(name, ch)
	nw.msink.IncrCounterWithLabels(MetricDiscoverWaitCount, 1.0, nw.labels)

	expiry, stop := wait.expiry(nw.clk)
	defer stop()
	select {
	case addr := <-ch:
		return addr, nil
	case <-expiry:
		nw.msink.IncrCounterWithLabels(MetricDiscoverTimeoutCount, 1.0,
			append(nw.labels, LabelName.M(name)))
		return Address{}, fmt.Errorf("%w: %q after %s", ErrDiscoveryTimeout, name, wait)
	case <-nw.shutdownCh:
		return Address{}, ErrShutdown
	}
}

// DiscoverAll returns a snapshot of every currently known name, sorted
// by name. It never blocks.
func (nw *Network) DiscoverAll() []Entry {
	nw.mu.Lock()
	if err := nw.ensureBeaconLocked(); err != nil {
		nw.mu.Unlock()
		return nil
	}
	nw.mu.Unlock()
	return nw.reg.snapshot()
}
