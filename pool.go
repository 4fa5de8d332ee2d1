package nearwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sys/unix"
)

// Role describes what a pooled socket is for. Together with an Address
// it identifies exactly one socket instance for the process lifetime.
type Role uint8

const (
	RoleAdvertiser Role = iota
	RoleListener
	RoleRequester
	RoleReplier
	RolePublisher
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RoleAdvertiser:
		return "advertiser"
	case RoleListener:
		return "listener"
	case RoleRequester:
		return "requester"
	case RoleReplier:
		return "replier"
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

type bindingKey struct {
	role Role
	addr Address
}

type handleState uint8

const (
	stateIdle handleState = iota
	stateAwaitingReply
	stateAwaitingSend
)

// handle is a pooled socket. zmq roles carry `sock`; the two beacon
// roles carry a plain UDP conn instead. Receiving zmq handles run one
// pump goroutine feeding recvCh so deadline waits never block inside
// the transport.
//
// A handle must be driven by one logical caller at a time; `own`
// serializes whole request/reply exchanges, while `mu` only guards the
// alternation state.
type handle struct {
	id   string
	role Role
	addr Address

	sock zmq4.Socket
	udp  *net.UDPConn

	recvCh   chan zmq4.Msg
	resumeCh chan struct{}
	done     chan struct{}

	own sync.Mutex

	mu       sync.Mutex
	state    handleState
	poisoned bool
	refs     int
	subs     map[string]bool
}

func (h *handle) poison() {
	h.mu.Lock()
	h.poisoned = true
	h.mu.Unlock()
}

func (h *handle) isPoisoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poisoned
}

func (h *handle) close() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	close(h.done)
	if h.sock != nil {
		return h.sock.Close()
	}
	if h.udp != nil {
		return h.udp.Close()
	}
	return nil
}

// pump moves frames from the socket into recvCh. A single transient
// receive error is absorbed; a second consecutive one (or a closed
// socket) ends the pump.
func (h *handle) pump() {
	errs := 0
	for {
		msg, err := h.sock.Recv()
		if err != nil {
			select {
			case <-h.done:
				return
			default:
			}
			errs++
			if errs > 1 {
				return
			}
			continue
		}
		errs = 0
		select {
		case h.recvCh <- msg:
		case <-h.done:
			return
		}
	}
}

// pumpStrict is the replier variant: a REP socket must not receive the
// next request before the current one has been answered, or the reply
// envelope is lost. After each delivered request the pump parks until
// SendReply signals the exchange is complete.
func (h *handle) pumpStrict() {
	errs := 0
	for {
		msg, err := h.sock.Recv()
		if err != nil {
			select {
			case <-h.done:
				return
			default:
			}
			errs++
			if errs > 1 {
				return
			}
			continue
		}
		errs = 0
		select {
		case h.recvCh <- msg:
		case <-h.done:
			return
		}
		select {
		case <-h.resumeCh:
		case <-h.done:
			return
		}
	}
}

func (h *handle) signalResume() {
	select {
	case h.resumeCh <- struct{}{}:
	default:
	}
}

// socketPool owns every channel binding of the process. Acquisition is
// protected by a single mutex; individual handles are not safe for
// concurrent use and rely on the one-owner-at-a-time discipline.
type socketPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	mu      sync.Mutex
	handles map[bindingKey]*handle
	closed  bool
}

func newSocketPool(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *socketPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &socketPool{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		msink:   msink,
		labels:  labels,
		handles: make(map[bindingKey]*handle),
	}
}

// acquire returns the cached handle for (role, addr), creating and
// binding/connecting it on first use. A poisoned handle is replaced
// transparently: the previous socket was abandoned mid-exchange and is
// unusable.
func (p *socketPool) acquire(role Role, addr Address) (*handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}

	key := bindingKey{role: role, addr: addr}
	if h, ok := p.handles[key]; ok {
		if !h.isPoisoned() {
			h.mu.Lock()
			h.refs++
			h.mu.Unlock()
			return h, nil
		}
		if err := h.close(); err != nil {
			p.logger.Debug("error closing poisoned socket",
				LabelHandleID.L(h.id), LabelError.L(err))
		}
		delete(p.handles, key)
		p.countSocket(MetricSocketCloseCount, role)
	}

	h, err := p.open(role, addr)
	if err != nil {
		return nil, err
	}
	h.refs = 1
	p.handles[key] = h
	p.countSocket(MetricSocketOpenCount, role)
	p.logger.Debug("socket opened",
		LabelHandleID.L(h.id), LabelRole.L(role.String()), LabelAddr.L(addr.String()))
	return h, nil
}

func (p *socketPool) open(role Role, addr Address) (*handle, error) {
	h := &handle{
		id:   uuid.NewString(),
		role: role,
		addr: addr,
		done: make(chan struct{}),
	}

	switch role {
	case RoleRequester:
		h.sock = zmq4.NewReq(p.ctx)
		if err := h.sock.Dial(addr.endpoint()); err != nil {
			return nil, wrapBindErr(err, addr)
		}
	case RoleReplier:
		h.sock = zmq4.NewRep(p.ctx)
		if err := h.sock.Listen(addr.endpoint()); err != nil {
			return nil, wrapBindErr(err, addr)
		}
	case RolePublisher:
		h.sock = zmq4.NewPub(p.ctx)
		if err := h.sock.Listen(addr.endpoint()); err != nil {
			return nil, wrapBindErr(err, addr)
		}
	case RoleSubscriber:
		h.sock = zmq4.NewSub(p.ctx)
		if err := h.sock.Dial(addr.endpoint()); err != nil {
			return nil, wrapBindErr(err, addr)
		}
		h.subs = make(map[string]bool)
	case RoleAdvertiser:
		conn, err := dialBeacon()
		if err != nil {
			return nil, err
		}
		h.udp = conn
	case RoleListener:
		conn, err := listenBeacon(addr.Port)
		if err != nil {
			return nil, err
		}
		h.udp = conn
	default:
		return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidCfg, role)
	}

	switch role {
	case RoleRequester:
		h.recvCh = make(chan zmq4.Msg, 1)
		go h.pump()
	case RoleReplier:
		h.recvCh = make(chan zmq4.Msg)
		h.resumeCh = make(chan struct{}, 1)
		go h.pumpStrict()
	case RoleSubscriber:
		h.recvCh = make(chan zmq4.Msg, 128)
		go h.pump()
	}
	return h, nil
}

// release decrements the reference count. Sockets are cheap and
// expected to be long-lived, so there is no eviction: the socket stays
// until the pool itself shuts down.
func (p *socketPool) release(h *handle) {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	h.mu.Unlock()
}

func (p *socketPool) closeAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[bindingKey]*handle)
	p.mu.Unlock()

	for _, h := range handles {
		if err := h.close(); err != nil {
			p.logger.Debug("error closing socket during shutdown",
				LabelHandleID.L(h.id), LabelError.L(err))
		}
		p.countSocket(MetricSocketCloseCount, h.role)
	}
	p.cancel()
}

func (p *socketPool) countSocket(metric []string, role Role) {
	p.msink.IncrCounterWithLabels(metric, 1.0,
		append(p.labels, LabelRole.M(role.String())))
}

func wrapBindErr(err error, addr Address) error {
	if errors.Is(err, unix.EADDRINUSE) {
		return fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	return err
}
