package netutil

import (
	"fmt"
	"net"
)

func Subnet24(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	ipv4 := parsed.To4()
	if ipv4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", ipv4[0], ipv4[1], ipv4[2])
}

// SameSubnet24 reports whether both addresses parse to the same IPv4 /24.
// Addresses with no /24 (empty, unparseable, IPv6) never match anything.
func SameSubnet24(ip1, ip2 string) bool {
	a := Subnet24(ip1)
	b := Subnet24(ip2)
	if a == "" || b == "" {
		return false
	}
	return a == b
}
