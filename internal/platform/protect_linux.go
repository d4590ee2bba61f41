//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MarkProtector tags sockets with SO_MARK. The VPN's policy routing must send
// packets carrying Mark through the main table instead of the tunnel.
type MarkProtector struct {
	Mark int
}

func (p MarkProtector) Protect(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, p.Mark); err != nil {
		return fmt.Errorf("set SO_MARK %d on fd %d: %w", p.Mark, fd, err)
	}
	return nil
}

// InterfaceProtector binds sockets to a physical interface with
// SO_BINDTODEVICE so they never leave through the tunnel device.
type InterfaceProtector struct {
	Interface string
}

func (p InterfaceProtector) Protect(fd int) error {
	if err := unix.BindToDevice(fd, p.Interface); err != nil {
		return fmt.Errorf("bind fd %d to %s: %w", fd, p.Interface, err)
	}
	return nil
}
