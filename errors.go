package nearwire

import (
	"errors"
)

var (
	ErrInvalidCfg  = errors.New("network: invalid options")
	ErrInvalidName = errors.New("network: names must be non-empty and free of tabs and newlines")
	ErrShutdown    = errors.New("network: closed")

	ErrMalformedAddress = errors.New("address: must be a \"host:port\" pair with a port between 1 and 65535")
	ErrNoValidAddress   = errors.New("address: no usable IPv4 address found on this machine")
	ErrAddressInUse     = errors.New("address: already in use")
	ErrPortsExhausted   = errors.New("address: dynamic port pool exhausted")

	ErrDiscoveryTimeout       = errors.New("discovery: no advertisement arrived in time")
	ErrNoReplyReceived        = errors.New("messaging: gave up waiting for a reply")
	ErrNoRequestReceived      = errors.New("messaging: gave up waiting for a request")
	ErrNoNotificationReceived = errors.New("messaging: gave up waiting for a notification")

	// ErrProtocolViolation reports a broken request/reply alternation:
	// a second request before the pending reply was consumed, a reply
	// with no request outstanding, or a new receive before the previous
	// request was answered. This is a logic error in the caller, never
	// retried.
	ErrProtocolViolation = errors.New("messaging: request/reply alternation broken")
)

// IsTimeout reports whether err is one of the deadline-expiry errors,
// all of which are recoverable by re-issuing the call.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDiscoveryTimeout) ||
		errors.Is(err, ErrNoReplyReceived) ||
		errors.Is(err, ErrNoRequestReceived) ||
		errors.Is(err, ErrNoNotificationReceived)
}
