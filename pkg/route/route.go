// Package route finds the local source address, next hop and interface the
// system would use for a destination.
package route

import "net/netip"

// Route is the outcome of a route lookup. Gateway is invalid for directly
// connected destinations and Interface is empty when the platform cannot
// name it.
type Route struct {
	Source    netip.Addr
	Gateway   netip.Addr
	Interface string
}

// Get returns the route for ip.
func Get(ip netip.Addr) (Route, error) {
	return get(ip)
}
