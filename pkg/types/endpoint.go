package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is the destination of a perf connection. It is never mutated
// after a connection has been built from it.
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port uint16 `json:"port" yaml:"port"`
}

func NewEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// ParseEndpoint accepts "host:port", "[v6]:port" or a bare host, in which
// case defaultPort is used.
func ParseEndpoint(s string, defaultPort uint16) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port component
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		return Endpoint{Host: host, Port: defaultPort}, nil
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", s)
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || p == 0 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: port must be 1-65535", s)
	}
	return Endpoint{Host: host, Port: uint16(p)}, nil
}

// Address renders the endpoint for dialing. IPv6 literals are bracketed.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return e.Address()
}

func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("endpoint host cannot be empty")
	}
	if e.Port == 0 {
		return fmt.Errorf("endpoint port must be 1-65535")
	}
	return nil
}
