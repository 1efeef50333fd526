package dhcp

import (
	"bytes"
	"fmt"
	"net"
)

func compareIP(a, b net.IP) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if aa, bb := a.To4(), b.To4(); aa != nil && bb != nil {
		return bytes.Compare(aa, bb)
	}
	return bytes.Compare(a.To16(), b.To16())
}

func parseIP(field, value string, v6 bool) (net.IP, error) {
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("%s %q is not an IP address", field, value)
	}
	if is4 := ip.To4() != nil; is4 == v6 {
		family := "IPv4"
		if v6 {
			family = "IPv6"
		}
		return nil, fmt.Errorf("%s %s is not an %s address", field, value, family)
	}
	return ip, nil
}
