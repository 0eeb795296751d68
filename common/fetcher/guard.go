package fetcher

import (
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Hostnames that always resolve to this machine
var blockedHosts = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

// blockedError marks a destination refused by the guard. It is never retried.
type blockedError struct {
	reason string
}

func (e *blockedError) Error() string { return "blocked destination: " + e.reason }

// checkIP rejects addresses on internal networks:
// loopback, private ranges, link-local (cloud metadata), multicast, unspecified.
func checkIP(ip net.IP) error {
	switch {
	case ip == nil:
		return &blockedError{reason: "missing address"}
	case ip.IsLoopback():
		return &blockedError{reason: fmt.Sprintf("%s is a loopback address", ip)}
	case ip.IsPrivate():
		return &blockedError{reason: fmt.Sprintf("%s is on a private network", ip)}
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return &blockedError{reason: fmt.Sprintf("%s is link-local", ip)}
	case ip.IsMulticast():
		return &blockedError{reason: fmt.Sprintf("%s is multicast", ip)}
	case ip.IsUnspecified():
		return &blockedError{reason: fmt.Sprintf("%s is unspecified", ip)}
	}
	return nil
}

// checkHost rejects local hostnames and literal internal addresses.
// Other names are checked after resolution by guardedDialer.
func checkHost(host string) error {
	h := strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]."))
	if h == "" {
		return &blockedError{reason: "empty host"}
	}
	if blockedHosts[h] || strings.HasSuffix(h, ".localhost") {
		return &blockedError{reason: fmt.Sprintf("%s is a local hostname", host)}
	}
	if ip := net.ParseIP(h); ip != nil {
		return checkIP(ip)
	}
	return nil
}

// guardedDialer checks every address right before connecting, so redirect
// targets and names that resolve to internal addresses are refused too.
func guardedDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return &blockedError{reason: fmt.Sprintf("bad address %s", address)}
			}
			return checkIP(net.ParseIP(host))
		},
	}
}
