package utils

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// NormalizeHostPort strips an http:// or https:// prefix and appends defPort
// when addr has no port.
func NormalizeHostPort(addr, defPort string) string {
	addr = strings.TrimSpace(addr)
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return ""
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

// ResolveSelfAddr returns the first IPv4 address the local hostname resolves
// to, joined with port. Pods in the experiment cluster are addressed this way.
func ResolveSelfAddr(port string) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", hostname, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(a, port), nil
		}
	}
	if len(addrs) > 0 {
		return net.JoinHostPort(addrs[0], port), nil
	}
	return "", fmt.Errorf("no address found for %s", hostname)
}
