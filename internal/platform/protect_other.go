//go:build !linux

package platform

// MarkProtector is only implemented on Linux.
type MarkProtector struct {
	Mark int
}

func (MarkProtector) Protect(int) error { return ErrUnsupported }

// InterfaceProtector is only implemented on Linux.
type InterfaceProtector struct {
	Interface string
}

func (InterfaceProtector) Protect(int) error { return ErrUnsupported }
