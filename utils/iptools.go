package utils

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// castPort is only used to pick a route; nothing is sent.
const castPort = 8009

// GetOutboundIP gets the preferred outbound IP of this machine
func GetOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String()
}

// ListenIPForHost returns the local IP the OS routes through to reach host,
// which is the address a device on that network can pull the stream from.
func ListenIPForHost(host string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(castPort)))
	if err != nil {
		return "", fmt.Errorf("ListenIPForHost UDP call error: %w", err)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// InterfaceIPv4 resolves a configured interface, given either as an IP or
// an interface name, to its first IPv4 address.
func InterfaceIPv4(nameOrIP string) (string, error) {
	if ip := net.ParseIP(nameOrIP); ip != nil {
		return ip.String(), nil
	}

	iface, err := net.InterfaceByName(nameOrIP)
	if err != nil {
		return "", fmt.Errorf("InterfaceIPv4 lookup error: %w", err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("InterfaceIPv4 addrs error: %w", err)
	}

	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}

	return "", fmt.Errorf("InterfaceIPv4: %s has no IPv4 address", nameOrIP)
}

// LocalIPv4s lists the non-loopback IPv4 addresses of interfaces that are
// up, sorted, so two calls can be compared to detect network changes.
func LocalIPv4s() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				out = append(out, ipnet.IP.String())
			}
		}
	}

	sort.Strings(out)
	return out
}
