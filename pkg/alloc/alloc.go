// Package alloc maps a node's inventory index to its host address on a
// plane. The mapping is pure and deterministic so every component (hub,
// agent, reflector) derives the same address without coordination.
package alloc

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrIndexOutOfRange reports an index that does not fit in the plane's
// subnet. This is a configuration error, not a runtime condition: indexes
// are assigned by the inventory and must stay within the block.
var ErrIndexOutOfRange = errors.New("node index out of range for subnet")

// hostsPerSlice is the number of node addresses carried by one /24 slice of
// a plane. .0 and .1 of each slice are reserved (network and hub).
const hostsPerSlice = 254

// Allocate returns the host address for index within subnet. Within a /16
// base the third octet is index/254 and the fourth is (index%254)+2, so two
// distinct indexes never collide and neither maps onto the hub address.
func Allocate(subnet netip.Prefix, index int) (netip.Addr, error) {
	if !subnet.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("subnet %s: only IPv4 planes are supported", subnet)
	}
	if index < 0 {
		return netip.Addr{}, fmt.Errorf("index %d: %w", index, ErrIndexOutOfRange)
	}
	slice := index / hostsPerSlice
	host := index%hostsPerSlice + 2
	if slice > 255 {
		return netip.Addr{}, fmt.Errorf("index %d (subnet %s): %w", index, subnet, ErrIndexOutOfRange)
	}

	base := subnet.Masked().Addr().As4()
	base[2] += byte(slice)
	base[3] = byte(host)
	addr := netip.AddrFrom4(base)
	if !subnet.Contains(addr) || addr == broadcastAddr(subnet) {
		return netip.Addr{}, fmt.Errorf("index %d (subnet %s): %w", index, subnet, ErrIndexOutOfRange)
	}
	return addr, nil
}

// broadcastAddr returns the last address of the subnet. The top index of a
// block maps onto it (host 255 in the highest slice), which would hand a
// node the plane's broadcast address.
func broadcastAddr(subnet netip.Prefix) netip.Addr {
	a := subnet.Masked().Addr().As4()
	hostBits := 32 - subnet.Bits()
	for i := 3; i >= 0 && hostBits > 0; i-- {
		if hostBits >= 8 {
			a[i] = 0xff
			hostBits -= 8
		} else {
			a[i] |= byte(1<<hostBits) - 1
			hostBits = 0
		}
	}
	return netip.AddrFrom4(a)
}

// HubAddress returns the hub's fixed address on a plane: the first usable
// host of the subnet.
func HubAddress(subnet netip.Prefix) netip.Addr {
	return subnet.Masked().Addr().Next()
}
