package controller

import "fmt"

// StartupError reports that the engine could not be started. Err is the
// cause: an *enginecfg.ConfigLoadError when the configuration could not be
// built, otherwise the engine's own error.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start tunnel core: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProtectError reports that a socket could not be excluded from the VPN. It
// fails one connection attempt, not the session.
type ProtectError struct {
	FD  int
	Err error
}

func (e *ProtectError) Error() string {
	return fmt.Sprintf("protect socket %d failed: %v", e.FD, e.Err)
}

func (e *ProtectError) Unwrap() error { return e.Err }
