package types

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Error kinds shared by discovery, punching and the CLI.
var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMalformedAttribute = errors.New("malformed attribute")
	ErrUnsupportedFamily  = errors.New("unsupported address family")
	ErrAttributeNotFound  = errors.New("mapped address attribute not found")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidInput       = errors.New("invalid input")
	ErrSendFailure        = errors.New("send failure")
	ErrExhaustedAttempts  = errors.New("exhausted punch attempts")
	ErrNotConnected       = errors.New("session not connected")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrMalformedMessage, "MalformedMessage"},
	{ErrMalformedAttribute, "MalformedAttribute"},
	{ErrUnsupportedFamily, "UnsupportedFamily"},
	{ErrAttributeNotFound, "AttributeNotFound"},
	{ErrTimeout, "Timeout"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrSendFailure, "SendFailure"},
	{ErrExhaustedAttempts, "ExhaustedAttempts"},
	{ErrNotConnected, "NotConnected"},
}

// Kind returns the name of the first error kind err wraps, or "Unknown".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string `json:"ip" yaml:"ip"`
	Port uint16 `json:"port" yaml:"port"`
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

// Validate checks that the endpoint is a usable IPv4 address and port.
func (e Endpoint) Validate() error {
	addr, err := netip.ParseAddr(e.IP)
	if err != nil {
		return fmt.Errorf("%w: ip %q", ErrInvalidInput, e.IP)
	}
	if !addr.Unmap().Is4() {
		return fmt.Errorf("%w: ip %q is not IPv4", ErrInvalidInput, e.IP)
	}
	if e.Port == 0 {
		return fmt.Errorf("%w: port must be in 1-65535", ErrInvalidInput)
	}
	return nil
}

// AddrPort converts a validated endpoint for address comparisons.
func (e Endpoint) AddrPort() (netip.AddrPort, error) {
	if err := e.Validate(); err != nil {
		return netip.AddrPort{}, err
	}
	addr := netip.MustParseAddr(e.IP).Unmap()
	return netip.AddrPortFrom(addr, e.Port), nil
}

// UDPAddr returns the endpoint as a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(e.IP), Port: int(e.Port)}
}

// NewEndpoint validates operator input and builds an endpoint.
func NewEndpoint(ip string, port int) (Endpoint, error) {
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidInput, port)
	}
	ep := Endpoint{IP: ip, Port: uint16(port)}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// ParseEndpoint parses "IP:PORT".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: address must be in format IP:PORT", ErrInvalidInput)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid port %q", ErrInvalidInput, portStr)
	}
	return NewEndpoint(host, port)
}

// EndpointFromAddrPort converts an observed source address.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{IP: ap.Addr().Unmap().String(), Port: ap.Port()}
}

// ValidateMinute checks an operator-supplied target minute.
func ValidateMinute(m int) error {
	if m < 0 || m > 59 {
		return fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalidInput, m)
	}
	return nil
}

// OpError represents an error during a named operation
type OpError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new operation error
func NewOpError(op string, err error) error {
	return &OpError{
		Op:  op,
		Err: err,
	}
}
