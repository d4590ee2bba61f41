package platform

import (
	"net"
	"strings"
)

// tunnelPrefixes name VPN devices that do not count as connectivity.
var tunnelPrefixes = []string{"tun", "utun", "wg"}

// InterfaceProbe answers connectivity queries by inspecting live network
// interfaces on every call.
type InterfaceProbe struct {
	// Interfaces lists interfaces; nil uses net.Interfaces.
	Interfaces func() ([]Interface, error)
}

// Interface is the subset of net.Interface the probe needs.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// HasNetworkConnectivity reports true when some interface is up, is not
// loopback or a tunnel device, and carries a global or link-local unicast
// address.
func (p InterfaceProbe) HasNetworkConnectivity() bool {
	list := p.Interfaces
	if list == nil {
		list = systemInterfaces
	}
	ifaces, err := list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTunnelDevice(iface.Name) {
			continue
		}
		for _, a := range iface.Addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.IsGlobalUnicast() || (ipnet.IP.To4() != nil && ipnet.IP.IsLinkLocalUnicast()) {
				return true
			}
		}
	}
	return false
}

func isTunnelDevice(name string) bool {
	for _, prefix := range tunnelPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, Interface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return out, nil
}
