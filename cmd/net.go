package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// guessIpAddress takes a base IP address and a partial address string,
// and fills in the missing octets from the base address.
func guessIpAddress(baseAddress net.IP, partialAddr string) (net.IP, error) {
	ip := make(net.IP, len(baseAddress))
	copy(ip, baseAddress)
	octets := strings.Split(partialAddr, ".")
	if len(octets) == 1 && octets[0] == "" {
		return ip, nil
	}
	if len(octets) > len(ip) {
		return net.IP{}, fmt.Errorf("%q has more octets than %v", partialAddr, baseAddress)
	}
	for i := 0; i < len(octets); i++ {
		var octet byte
		_, err := fmt.Sscanf(octets[i], "%d", &octet)
		if err != nil {
			return net.IP{}, err
		}
		ip[len(ip)-len(octets)+i] = octet
	}
	return ip, nil
}

// subnetOfListener returns the IP network (CIDR) of the interface that contains
// the local address used by the provided TCP listener.
func subnetOfListener(l *net.TCPListener) (net.IPNet, error) {
	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return net.IPNet{}, fmt.Errorf("listener is not TCP")
	}
	ip := tcpAddr.IP
	if ip == nil || ip.IsUnspecified() {
		return net.IPNet{}, fmt.Errorf("listener has unspecified IP %v", ip)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPNet{}, err
	}
	for _, ifi := range ifaces {
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			var ipnet *net.IPNet
			switch v := a.(type) {
			case *net.IPNet:
				ipnet = v
			case *net.IPAddr:
				ipnet = &net.IPNet{IP: v.IP, Mask: v.IP.DefaultMask()}
			default:
				continue
			}
			if ipnet == nil {
				continue
			}
			if ipnet.Contains(ip) || ipnet.IP.Equal(ip) {
				return *ipnet, nil
			}
		}
	}
	return net.IPNet{}, fmt.Errorf("no interface found for ip %v", ip)
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", err
		}
	}
	return ipaddr, port, nil
}

// expandAddresses completes every address of the group against base, the
// address of this rank: a host made only of trailing octets borrows the
// leading ones from base, and a missing port becomes the port of base.
func expandAddresses(base string, addresses []string) ([]string, error) {
	baseHost, basePort, err := net.SplitHostPort(base)
	if err != nil {
		return nil, fmt.Errorf("address of this rank: %w", err)
	}
	defaultPort, err := strconv.Atoi(basePort)
	if err != nil {
		return nil, fmt.Errorf("address of this rank: %w", err)
	}
	baseIP := net.ParseIP(baseHost).To4()
	expanded := make([]string, len(addresses))
	for i, addr := range addresses {
		host, port, err := splitHostPort(addr, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", addr, err)
		}
		if baseIP != nil && isPartialIPv4(host) {
			ip, err := guessIpAddress(baseIP, host)
			if err != nil {
				return nil, fmt.Errorf("address %q: %w", addr, err)
			}
			host = ip.String()
		}
		expanded[i] = net.JoinHostPort(host, port)
	}
	return expanded, nil
}

func isPartialIPv4(host string) bool {
	if host == "" || net.ParseIP(host) != nil {
		return false
	}
	for _, c := range host {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
