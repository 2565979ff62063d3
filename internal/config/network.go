package config

import (
	"net"
	"strings"
)

// Carrier grade NAT range, also used by Cloudflare WARP and Tailscale.
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp"}

// ShouldForceRelay checks if the system is likely behind a restrictive VPN or
// CGNAT, where direct peer-to-peer media usually fails.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			addrs = nil
		}
		if tunnelLike(iface.Name, addrs) {
			return true
		}
	}
	return false
}

// tunnelLike reports whether an interface looks like a VPN tunnel or sits
// behind CGNAT.
func tunnelLike(name string, addrs []net.Addr) bool {
	name = strings.ToLower(name)
	for _, prefix := range tunnelNames {
		if strings.Contains(name, prefix) {
			return true
		}
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cgnatBlock.Contains(ip) {
			return true
		}
	}
	return false
}
