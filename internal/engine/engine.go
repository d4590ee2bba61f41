// Package engine defines the boundary between psibot and the tunnel engine it
// supervises.
package engine

// Provider is the capability surface handed to the engine on start. The
// engine calls it from its own goroutines.
type Provider interface {
	// Notice delivers one JSON notice: {"noticeType": ..., "data": {...}}.
	Notice(noticeJSON string)
	// BindToDevice keeps the socket fd out of the VPN's own routing.
	BindToDevice(fd int) error
	// HasNetworkConnectivity reports current reachability. Not cached.
	HasNetworkConnectivity() bool
}

// Engine is an external tunnel engine. Start and Stop are synchronous from the
// caller's point of view; retry and backoff are the engine's business.
type Engine interface {
	// Start launches the engine with a JSON config and an optional embedded
	// server entry list.
	Start(configJSON, embeddedServerEntryList string, provider Provider) error
	// Stop shuts the engine down. Safe to call when it is not running.
	Stop()
}
