// Package validation checks the user-supplied pieces of configuration that
// cross trust boundaries: public port numbers requested by clients, local
// forwarding targets, and the server URL the client dials.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

const (
	// MinPublicPort is the lowest port a client may register. Ports below
	// 1024 stay reserved for the host.
	MinPublicPort = 1024
	// MaxPublicPort is the highest valid TCP/UDP port.
	MaxPublicPort = 65535

	defaultLocalHost = "127.0.0.1"
)

var controlSchemes = [2]string{"ws", "wss"}

// ValidatePublicPort rejects registration ports outside [1024, 65535].
func ValidatePublicPort(port int) error {
	if port < MinPublicPort || port > MaxPublicPort {
		return fmt.Errorf("port %d out of range (%d-%d)", port, MinPublicPort, MaxPublicPort)
	}
	return nil
}

// ValidateLocalPort rejects local forwarding ports outside [1, 65535]. The
// privileged range is allowed here: the local service is the user's own.
func ValidateLocalPort(port int) error {
	if port < 1 || port > MaxPublicPort {
		return fmt.Errorf("local port %d out of range (1-%d)", port, MaxPublicPort)
	}
	return nil
}

// ValidateHostname normalizes a hostname to its ASCII form. Unicode names
// pass through IDNA; IP literals are returned unchanged. An empty hostname
// is valid and means "unset".
func ValidateHostname(hostname string) (string, error) {
	if hostname == "" {
		return "", nil
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}
	if strings.HasPrefix(hostname, "[") && strings.HasSuffix(hostname, "]") {
		if ip := net.ParseIP(hostname[1 : len(hostname)-1]); ip != nil {
			return hostname, nil
		}
		return "", fmt.Errorf("hostname %s is not a valid IPv6 literal", hostname)
	}
	asciiHostname, err := idna.ToASCII(hostname)
	if err != nil {
		return "", fmt.Errorf("hostname %s has invalid ASCII encoding: %v", hostname, err)
	}
	return asciiHostname, nil
}

// ValidateLocalTarget normalizes the host:port pair a client forwards to.
// An empty host defaults to the loopback address.
func ValidateLocalTarget(host string, port int) (string, error) {
	if err := ValidateLocalPort(port); err != nil {
		return "", err
	}
	if host == "" {
		host = defaultLocalHost
	}
	asciiHost, err := ValidateHostname(host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(trimIPv6Brackets(asciiHost), strconv.Itoa(port)), nil
}

// ValidateControlURL checks the URL a client dials for its control link.
// The scheme must be ws or wss; when the port is omitted the dialer falls
// back to the scheme default.
func ValidateControlURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("server URL should not be empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("server URL %s has invalid format: %v", rawURL, err)
	}
	if !isControlScheme(parsed.Scheme) {
		return nil, fmt.Errorf("server URL scheme %q is not supported, use ws or wss", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("server URL %s is missing a host", rawURL)
	}
	if _, err := ValidateHostname(parsed.Hostname()); err != nil {
		return nil, err
	}
	return parsed, nil
}

func isControlScheme(scheme string) bool {
	for _, supported := range controlSchemes {
		if scheme == supported {
			return true
		}
	}
	return false
}

func trimIPv6Brackets(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}
