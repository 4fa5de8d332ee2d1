package nearwire

import (
	"fmt"
	"net"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Ports in the range 0xC000..0xFFFF are reserved for dynamic
// allocation.
const (
	DynamicPortFloor = 0xC000
	DynamicPortCeil  = 0xFFFF
)

var validHost = regexp.MustCompile(`^[A-Za-z0-9\.\-\:]+$`)

// Address is an immutable (host, port) pair. Equality is value-based,
// so Address is usable as a map key.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses a "host:port" string. The host must be an
// IPv4/IPv6 literal or a plausible hostname; the port must be in
// 1..65535. Anything else fails with ErrMalformedAddress.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, s)
	}
	if host == "" || !validHost.MatchString(host) {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, s)
	}
	return Address{Host: host, Port: port}, nil
}

// String renders the canonical "host:port" form, bracketing IPv6
// literals.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address was left unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// endpoint is the transport-level rendering of the address.
func (a Address) endpoint() string {
	return "tcp://" + a.String()
}

// localCandidates lists the machine's non-loopback unicast IPv4
// addresses.
func localCandidates() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoValidAddress, err)
	}
	var out []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		out = append(out, ip4.String())
	}
	return out, nil
}

// pickPreferred orders candidates by the first matching glob pattern
// (most to least preferred) and breaks ties numerically, then returns
// the winner. An empty candidate list yields the loopback fallback.
func pickPreferred(candidates []string, prefer []string) string {
	if len(candidates) == 0 {
		return "127.0.0.1"
	}
	rank := func(ip string) (int, [4]int) {
		var octets [4]int
		for i, part := range strings.SplitN(ip, ".", 4) {
			octets[i], _ = strconv.Atoi(part)
		}
		for n, pattern := range prefer {
			if ok, _ := path.Match(pattern, ip); ok {
				return n, octets
			}
		}
		return len(prefer), octets
	}
	best := candidates[0]
	bestRank, bestOctets := rank(best)
	for _, c := range candidates[1:] {
		r, o := rank(c)
		if r < bestRank || (r == bestRank && lessOctets(o, bestOctets)) {
			best, bestRank, bestOctets = c, r, o
		}
	}
	return best
}

func lessOctets(a, b [4]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// LocalIP returns the process's best-guess outward-facing IPv4
// address, cached after the first call. The preference list given at
// construction ranks candidate subnets; with none, "192.168.*" wins.
func (nw *Network) LocalIP() (string, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.localIPLocked()
}

func (nw *Network) localIPLocked() (string, error) {
	if nw.localIP != "" {
		return nw.localIP, nil
	}
	candidates, err := localCandidates()
	if err != nil {
		return "", err
	}
	nw.localIP = pickPreferred(candidates, nw.cfg.preferredSubnets)
	return nw.localIP, nil
}

// ReservePort hands out an unused port from the dynamic range and
// records it so this process never binds it twice. There is no
// cross-process coordination: a collision with another process
// surfaces as ErrAddressInUse when the transport binds.
func (nw *Network) ReservePort() (int, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.reservePortLocked()
}

func (nw *Network) reservePortLocked() (int, error) {
	span := DynamicPortCeil - DynamicPortFloor + 1
	if len(nw.usedPorts) >= span {
		return 0, ErrPortsExhausted
	}
	for {
		port := DynamicPortFloor + nw.rng.Intn(span)
		if nw.usedPorts[port] {
			continue
		}
		nw.usedPorts[port] = true
		return port, nil
	}
}

// CompleteAddress turns a partial address spec into a full Address.
// Accepted forms: "" (pick everything), "host", "port", "host:port".
// Missing halves are filled from LocalIP and ReservePort.
func (nw *Network) CompleteAddress(spec string) (Address, error) {
	spec = strings.TrimSpace(spec)
	host, portStr := splitSpec(spec)

	var port int
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, spec)
		}
		port = p
	} else {
		p, err := nw.ReservePort()
		if err != nil {
			return Address{}, err
		}
		port = p
	}

	if host == "" {
		ip, err := nw.LocalIP()
		if err != nil {
			return Address{}, err
		}
		host = ip
	} else if !validHost.MatchString(host) {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, spec)
	}

	return Address{Host: host, Port: port}, nil
}

// splitSpec tells a bare host from a bare port from a full pair.
func splitSpec(spec string) (host, port string) {
	if spec == "" {
		return "", ""
	}
	// An unbracketed IPv6 literal is a bare host.
	if strings.Count(spec, ":") >= 2 && !strings.Contains(spec, "]") {
		return spec, ""
	}
	if i := strings.LastIndex(spec, ":"); i >= 0 && !strings.Contains(spec[i+1:], ":") {
		return strings.Trim(spec[:i], "[]"), spec[i+1:]
	}
	if _, err := strconv.Atoi(spec); err == nil {
		return "", spec
	}
	return spec, ""
}
