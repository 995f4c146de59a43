// Package locator parses the service-locator grammar: an opaque
// string of the form "protocol:key=value,key=value"
// identifying a transport and its connection parameters. It has no
// dependency on the transport implementations so both the TCP
// transport and its registry can import it without a cycle.
package locator

import (
	"fmt"
	"strconv"
	"strings"
)

// Locator is a parsed service locator. For the TCP transport, the
// accepted protocol tokens are "tcp" and "kernelTcp", and the
// recognized options are host and port.
type Locator struct {
	Protocol string
	Host     string
	Port     uint16
}

// Parse parses a locator string.
func Parse(s string) (Locator, error) {
	protocol, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Locator{}, fmt.Errorf("locator: %q missing protocol prefix", s)
	}

	switch protocol {
	case "tcp", "kernelTcp":
	default:
		return Locator{}, fmt.Errorf("locator: unrecognized protocol %q", protocol)
	}

	loc := Locator{Protocol: protocol}
	if rest == "" {
		return loc, nil
	}

	for _, pair := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Locator{}, fmt.Errorf("locator: malformed option %q in %q", pair, s)
		}
		switch key {
		case "host":
			loc.Host = value
		case "port":
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return Locator{}, fmt.Errorf("locator: invalid port %q: %w", value, err)
			}
			loc.Port = uint16(port)
		default:
			return Locator{}, fmt.Errorf("locator: unrecognized option %q in %q", key, s)
		}
	}
	return loc, nil
}

// RequireHostPort validates that both host and a nonzero port were
// present, as a client locator must carry to name a specific peer.
func (l Locator) RequireHostPort() error {
	if err := l.RequireHost(); err != nil {
		return err
	}
	if l.Port == 0 {
		return fmt.Errorf("locator: missing port")
	}
	return nil
}

// RequireHost validates that host was present. A server locator may
// omit port (or set it to 0) to request an ephemeral port.
func (l Locator) RequireHost() error {
	if l.Host == "" {
		return fmt.Errorf("locator: missing host")
	}
	return nil
}

// String renders the locator back to its wire grammar.
func (l Locator) String() string {
	return fmt.Sprintf("%s:host=%s,port=%d", l.Protocol, l.Host, l.Port)
}
