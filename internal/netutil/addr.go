package netutil

import (
	"fmt"
	"net"
)

// ValidateDestination rejects destinations that would make the proxy
// connect back to itself: any resolved address that is a loopback or local
// interface address combined with the proxy's own listen port.
func ValidateDestination(
	dstAddrs []net.IPAddr,
	dstPort int,
	listenAddr *net.TCPAddr,
) (bool, error) {
	if dstPort != listenAddr.Port {
		return true, nil
	}

	ifAddrs, err := net.InterfaceAddrs() // needs AF_NETLINK on Linux
	if err != nil {
		return true, err
	}

	for _, dstAddr := range dstAddrs {
		ip := dstAddr.IP
		if ip.IsLoopback() {
			return false, fmt.Errorf("loopback addr detected %v", ip.String())
		}

		for _, addr := range ifAddrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.Equal(ip) {
					return false, fmt.Errorf("interface addr detected %v", ipnet.String())
				}
			}
		}
	}

	return true, nil
}
