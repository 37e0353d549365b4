package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedAddress is returned when a URL points at an address the server
// must not call.
var ErrBlockedAddress = errors.New("address not allowed")

// blockedHosts are names that resolve to cloud metadata or the local host.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ValidateEndpointURL checks that rawURL is safe to call from the server
// using the default resolver with a five second lookup budget.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return CheckEndpoint(ctx, net.DefaultResolver, rawURL)
}

// CheckEndpoint rejects non-http(s) URLs and hosts that are, or resolve to,
// loopback, private, link-local or unspecified addresses. Every resolved
// address is checked, so a name with one public and one private record is
// rejected.
func CheckEndpoint(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedAddress, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback", ErrBlockedAddress)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private", ErrBlockedAddress)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local", ErrBlockedAddress)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified", ErrBlockedAddress)
	}
	return nil
}
