package alloc

import (
	"errors"
	"net/netip"
	"testing"
)

func TestAllocateScheme(t *testing.T) {
	subnet := netip.MustParsePrefix("10.78.0.0/16")

	cases := []struct {
		index int
		want  string
	}{
		{0, "10.78.0.2"},
		{1, "10.78.0.3"},
		{253, "10.78.0.255"},
		{254, "10.78.1.2"},
		{255, "10.78.1.3"},
		{508, "10.78.2.2"},
	}
	for _, c := range cases {
		got, err := Allocate(subnet, c.index)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", c.index, err)
		}
		if got != netip.MustParseAddr(c.want) {
			t.Errorf("Allocate(%d) = %s, want %s", c.index, got, c.want)
		}
	}
}

func TestAllocateInjective(t *testing.T) {
	subnet := netip.MustParsePrefix("10.78.0.0/16")
	hub := HubAddress(subnet)

	seen := make(map[netip.Addr]int)
	for i := 0; i < 2000; i++ {
		addr, err := Allocate(subnet, i)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
		if prev, ok := seen[addr]; ok {
			t.Fatalf("collision: index %d and %d both map to %s", prev, i, addr)
		}
		if addr == hub {
			t.Fatalf("index %d allocated the hub address %s", i, hub)
		}
		if !subnet.Contains(addr) {
			t.Fatalf("index %d allocated %s outside %s", i, addr, subnet)
		}
		seen[addr] = i
	}
}

func TestAllocateOutOfRange(t *testing.T) {
	for _, c := range []struct {
		subnet string
		index  int
	}{
		{"10.78.0.0/16", -1},
		{"10.78.0.0/16", 254 * 256},
		{"10.78.0.0/24", 254},
		// Top of the block would land on the subnet's broadcast address.
		{"10.78.0.0/24", 253},
		{"10.78.0.0/16", 255*254 + 253},
	} {
		_, err := Allocate(netip.MustParsePrefix(c.subnet), c.index)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Allocate(%s, %d) = %v, want ErrIndexOutOfRange", c.subnet, c.index, err)
		}
	}
}

func TestHubAddress(t *testing.T) {
	got := HubAddress(netip.MustParsePrefix("10.78.0.0/16"))
	if got != netip.MustParseAddr("10.78.0.1") {
		t.Errorf("HubAddress = %s, want 10.78.0.1", got)
	}
}
