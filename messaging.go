package nearwire

import (
	"fmt"
	"strings"

	"github.com/go-zeromq/zmq4"
)

// Everything is the notification pattern matching every topic.
const Everything = ""

// SendMessage sends an opaque text message to addr and blocks for the
// reply, up to the wait budget. On timeout it fails with
// ErrNoReplyReceived and the underlying connection is replaced behind
// the scenes, so the call can simply be re-issued.
//
// Exactly one exchange per (requester, addr) binding is in flight at a
// time: a concurrent caller blocks behind the running exchange rather
// than behind its reply.
func (nw *Network) SendMessage(addr Address, message string, wait Wait) (string, error) {
	for {
		h, err := nw.pool.acquire(RoleRequester, addr)
		if err != nil {
			return "", err
		}
		h.own.Lock()
		if h.isPoisoned() {
			// The previous owner timed out and abandoned the exchange;
			// this socket is dead. The pool hands out a replacement on
			// the next acquire.
			h.own.Unlock()
			nw.pool.release(h)
			continue
		}
		reply, err := nw.exchange(h, addr, message, wait)
		h.own.Unlock()
		nw.pool.release(h)
		return reply, err
	}
}

func (nw *Network) exchange(h *handle, addr Address, message string, wait Wait) (string, error) {
	h.mu.Lock()
	if h.state != stateIdle {
		h.mu.Unlock()
		nw.countViolation()
		return "", fmt.Errorf("%w: request already in flight to %s", ErrProtocolViolation, addr)
	}
	h.state = stateAwaitingReply
	h.mu.Unlock()

	if err := sendTwice(h.sock, zmq4.NewMsgString(message)); err != nil {
		h.poison()
		return "", fmt.Errorf("%w: %s: send failed: %w", ErrNoReplyReceived, addr, err)
	}
	nw.msink.IncrCounterWithLabels(MetricRequestOutCount, 1.0, nw.labels)

	expiry, stop := wait.expiry(nw.clk)
	defer stop()
	select {
	case msg := <-h.recvCh:
		h.mu.Lock()
		h.state = stateIdle
		h.mu.Unlock()
		return string(msg.Bytes()), nil
	case <-expiry:
		// The REQ exchange was abandoned mid-flight; the socket is
		// unusable and will be replaced on the next acquire.
		h.poison()
		nw.msink.IncrCounterWithLabels(MetricReplyTimeoutCount, 1.0,
			append(nw.labels, LabelAddr.M(addr.String())))
		return "", fmt.Errorf("%w: %s after %s", ErrNoReplyReceived, addr, wait)
	case <-nw.shutdownCh:
		return "", ErrShutdown
	}
}

// WaitForMessage binds a replier at addr (typically the address the
// caller advertised) and blocks for an incoming request up to the wait
// budget, failing with ErrNoRequestReceived on timeout. Each received
// request must be answered with SendReply before waiting again.
func (nw *Network) WaitForMessage(addr Address, wait Wait) (string, error) {
	h, err := nw.pool.acquire(RoleReplier, addr)
	if err != nil {
		return "", err
	}
	defer nw.pool.release(h)
	h.own.Lock()
	defer h.own.Unlock()

	h.mu.Lock()
	if h.state != stateIdle {
		h.mu.Unlock()
		nw.countViolation()
		return "", fmt.Errorf("%w: previous request at %s still awaits its reply", ErrProtocolViolation, addr)
	}
	h.mu.Unlock()

	expiry, stop := wait.expiry(nw.clk)
	defer stop()
	select {
	case msg := <-h.recvCh:
		h.mu.Lock()
		h.state = stateAwaitingSend
		h.mu.Unlock()
		nw.msink.IncrCounterWithLabels(MetricRequestInCount, 1.0, nw.labels)
		return string(msg.Bytes()), nil
	case <-expiry:
		return "", fmt.Errorf("%w: at %s after %s", ErrNoRequestReceived, addr, wait)
	case <-nw.shutdownCh:
		return "", ErrShutdown
	}
}

// SendReply answers the request most recently returned by
// WaitForMessage on the same binding. Replying with no request
// outstanding is a logic error.
func (nw *Network) SendReply(addr Address, reply string) error {
	h, err := nw.pool.acquire(RoleReplier, addr)
	if err != nil {
		return err
	}
	defer nw.pool.release(h)
	h.own.Lock()
	defer h.own.Unlock()

	h.mu.Lock()
	if h.state != stateAwaitingSend {
		h.mu.Unlock()
		nw.countViolation()
		return fmt.Errorf("%w: no request outstanding at %s", ErrProtocolViolation, addr)
	}
	h.mu.Unlock()

	if err := sendTwice(h.sock, zmq4.NewMsgString(reply)); err != nil {
		h.poison()
		return err
	}
	h.mu.Lock()
	h.state = stateIdle
	h.mu.Unlock()
	h.signalResume()
	return nil
}

// SendNotification publishes a topic-tagged payload from addr.
// Fire-and-forget: it never blocks on a recipient and never fails for
// lack of subscribers.
func (nw *Network) SendNotification(addr Address, topic, payload string) error {
	h, err := nw.pool.acquire(RolePublisher, addr)
	if err != nil {
		return err
	}
	defer nw.pool.release(h)
	h.own.Lock()
	defer h.own.Unlock()

	// Two frames so the subscriber-side prefix filter sees only the
	// topic.
	msg := zmq4.NewMsgFrom([]byte(topic), []byte(payload))
	if err := h.sock.SendMulti(msg); err != nil {
		if err = h.sock.SendMulti(msg); err != nil {
			return err
		}
	}
	nw.msink.IncrCounterWithLabels(MetricNotificationOutCount, 1.0,
		append(nw.labels, LabelTopic.M(topic)))
	return nil
}

// WaitForNotification subscribes to the publisher at addr and blocks
// for the next notification whose topic starts with pattern, up to the
// wait budget. Non-matching notifications are dropped at the transport
// layer; Everything matches all topics.
func (nw *Network) WaitForNotification(addr Address, pattern string, wait Wait) (topic, payload string, err error) {
	h, err := nw.pool.acquire(RoleSubscriber, addr)
	if err != nil {
		return "", "", err
	}
	defer nw.pool.release(h)
	h.own.Lock()
	defer h.own.Unlock()

	if err := h.ensureSubscription(pattern); err != nil {
		return "", "", err
	}

	expiry, stop := wait.expiry(nw.clk)
	defer stop()
	for {
		select {
		case msg := <-h.recvCh:
			if len(msg.Frames) == 0 {
				continue
			}
			topic = string(msg.Frames[0])
			if !strings.HasPrefix(topic, pattern) {
				// Remnant of a previous subscription on this binding.
				nw.msink.IncrCounterWithLabels(MetricNotificationDropCount, 1.0, nw.labels)
				continue
			}
			if len(msg.Frames) > 1 {
				payload = string(msg.Frames[1])
			}
			nw.msink.IncrCounterWithLabels(MetricNotificationInCount, 1.0,
				append(nw.labels, LabelTopic.M(topic)))
			return topic, payload, nil
		case <-expiry:
			return "", "", fmt.Errorf("%w: from %s (pattern %q) after %s",
				ErrNoNotificationReceived, addr, pattern, wait)
		case <-nw.shutdownCh:
			return "", "", ErrShutdown
		}
	}
}

// ensureSubscription swaps the binding's transport-level prefix filter
// to pattern, unsubscribing whatever was set before.
func (h *handle) ensureSubscription(pattern string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[pattern] {
		return nil
	}
	if err := h.sock.SetOption(zmq4.OptionSubscribe, pattern); err != nil {
		return err
	}
	for old := range h.subs {
		if err := h.sock.SetOption(zmq4.OptionUnsubscribe, old); err != nil {
			return err
		}
		delete(h.subs, old)
	}
	h.subs[pattern] = true
	return nil
}

// sendTwice retries a transient transport send once, with no backoff.
func sendTwice(sock zmq4.Socket, msg zmq4.Msg) error {
	if err := sock.Send(msg); err != nil {
		return sock.Send(msg)
	}
	return nil
}

func (nw *Network) countViolation() {
	nw.msink.IncrCounterWithLabels(MetricProtocolViolationCount, 1.0, nw.labels)
}
