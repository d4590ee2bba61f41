// Package platform provides the host capabilities the tunnel engine calls
// back into: keeping its own sockets out of the VPN, reporting whether the
// device has a usable network, and finding the active DNS resolver.
package platform

import "errors"

// ErrUnsupported is returned by protectors on platforms without an
// implementation.
var ErrUnsupported = errors.New("socket protect not supported on this platform")

// Protector keeps a socket's traffic from being routed back into the VPN.
type Protector interface {
	Protect(fd int) error
}

// ProtectorFunc adapts a function to Protector.
type ProtectorFunc func(fd int) error

func (f ProtectorFunc) Protect(fd int) error { return f(fd) }

// Connectivity reports whether the device currently has a network.
type Connectivity interface {
	HasNetworkConnectivity() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) HasNetworkConnectivity() bool { return f() }
