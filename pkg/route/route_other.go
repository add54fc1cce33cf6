//go:build !linux

package route

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
)

// Variables for mocking in tests.
var (
	discoverGateway   = gateway.DiscoverGateway
	discoverInterface = gateway.DiscoverInterface
	interfaces        = net.Interfaces
	interfaceAddrs    = (*net.Interface).Addrs
)

// get falls back to the default route: without a routing socket lookup the
// best available answer is the address of the interface facing the default
// gateway. Only IPv4 is covered.
func get(ip netip.Addr) (Route, error) {
	if !ip.Unmap().Is4() {
		return Route{}, fmt.Errorf("no IPv6 route lookup on this platform for %s", ip)
	}

	local, err := discoverInterface()
	if err != nil {
		return Route{}, fmt.Errorf("failed to discover default interface: %w", err)
	}
	src, ok := netip.AddrFromSlice(local)
	if !ok {
		return Route{}, fmt.Errorf("failed to parse source address: %v", local)
	}

	r := Route{Source: src.Unmap(), Interface: interfaceWithAddr(src.Unmap())}
	if gw, err := discoverGateway(); err == nil {
		if a, ok := netip.AddrFromSlice(gw); ok {
			r.Gateway = a.Unmap()
		}
	}
	return r, nil
}

// interfaceWithAddr names the interface holding addr.
func interfaceWithAddr(addr netip.Addr) string {
	ifaces, err := interfaces()
	if err != nil {
		return ""
	}
	for i := range ifaces {
		addrs, err := interfaceAddrs(&ifaces[i])
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipnet.IP); ok && ip.Unmap() == addr {
				return ifaces[i].Name
			}
		}
	}
	return ""
}
