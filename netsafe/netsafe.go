// Package netsafe holds the outbound network guards used by the remote
// transports: URL validation against private targets and bounded reads.
package netsafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for response reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

var (
	// ErrPrivateTarget is returned when a URL resolves to a loopback,
	// link-local or RFC 1918 address.
	ErrPrivateTarget = errors.New("netsafe: URL targets a private or loopback address")
	// ErrUnsafeScheme is returned for anything other than http and https.
	ErrUnsafeScheme = errors.New("netsafe: only http and https schemes are allowed")
	// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
	ErrTooLarge = errors.New("netsafe: body exceeds limit")
)

var privateNets = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
)

// CheckURL validates scheme and host of rawURL without network access.
func CheckURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("netsafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("netsafe: URL has no host")
	}
	return u, nil
}

// ValidateURL is CheckURL plus a private-address check on the literal IP or
// every resolved address of the host. Resolution failures are let through:
// the dial will fail on its own.
func ValidateURL(rawURL string) error {
	u, err := CheckURL(rawURL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivate(ip) {
			return ErrPrivateTarget
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && IsPrivate(ip) {
			return ErrPrivateTarget
		}
	}
	return nil
}

// IsPrivate reports whether ip is loopback, link-local, unspecified or in a
// private range.
func IsPrivate(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("netsafe: bad CIDR " + c)
		}
		out = append(out, n)
	}
	return out
}
