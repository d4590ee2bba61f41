package platform

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// ResolvConfPath is where FirstDNSResolver looks by default.
const ResolvConfPath = "/etc/resolv.conf"

var errNoResolver = errors.New("no nameserver configured")

// FirstDNSResolver returns the first usable nameserver in a resolv.conf file.
// Loopback resolvers are skipped: a local stub would itself be routed through
// the VPN once it is up.
func FirstDNSResolver(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil || addr.IsLoopback() {
			continue
		}
		return addr.WithZone("").String(), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return "", errNoResolver
}
