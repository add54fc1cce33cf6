//go:build linux

package route

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// lookup sends RTM_GETROUTE for ip. Variable for mocking in tests.
var lookup = func(ip netip.Addr) ([]rtnetlink.RouteMessage, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rtnetlink: %w", err)
	}
	defer conn.Close()

	family := uint8(unix.AF_INET)
	if ip.Is6() {
		family = unix.AF_INET6
	}
	return conn.Route.Get(&rtnetlink.RouteMessage{
		Family:     family,
		Table:      unix.RT_TABLE_MAIN,
		Attributes: rtnetlink.RouteAttributes{Dst: ip.AsSlice()},
	})
}

// interfaceName resolves an interface index. Variable for mocking in tests.
var interfaceName = func(index int) (string, error) {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return "", err
	}
	if ifi.Flags&net.FlagUp == 0 {
		return "", fmt.Errorf("interface %s is down", ifi.Name)
	}
	return ifi.Name, nil
}

func get(ip netip.Addr) (Route, error) {
	ip = ip.Unmap()
	msgs, err := lookup(ip)
	if err != nil {
		return Route{}, err
	}
	if len(msgs) != 1 {
		return Route{}, fmt.Errorf("route lookup for %s returned %d routes, want 1", ip, len(msgs))
	}
	return fromMessage(ip, &msgs[0])
}

// fromMessage extracts the source address, gateway and interface of the
// kernel's answer for ip.
func fromMessage(ip netip.Addr, m *rtnetlink.RouteMessage) (Route, error) {
	if dst, ok := netip.AddrFromSlice(m.Attributes.Dst); !ok || dst.Unmap() != ip {
		return Route{}, fmt.Errorf("route answer is for %v, not %s", m.Attributes.Dst, ip)
	}
	src, ok := netip.AddrFromSlice(m.Attributes.Src)
	if !ok {
		return Route{}, errors.New("route answer carries no source address")
	}

	r := Route{Source: src.Unmap()}
	if gw, ok := netip.AddrFromSlice(m.Attributes.Gateway); ok {
		r.Gateway = gw.Unmap()
	}
	if m.Attributes.OutIface != 0 {
		name, err := interfaceName(int(m.Attributes.OutIface))
		if err != nil {
			return Route{}, err
		}
		r.Interface = name
	}
	return r, nil
}
