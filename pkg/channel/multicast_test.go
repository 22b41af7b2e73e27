package channel

import (
	"net/netip"
	"testing"
)

func TestResolveInterfaceDefaultsToZero(t *testing.T) {
	c := &Channel{}
	idx, err := c.resolveInterface("")
	if err != nil {
		t.Fatalf("resolveInterface: %v", err)
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want 0", idx)
	}
}

func TestResolveInterfaceUnknownNameErrors(t *testing.T) {
	c := &Channel{}
	if _, err := c.resolveInterface("udpchan-does-not-exist-0"); err == nil {
		t.Fatalf("expected error for unknown interface name")
	}
}

func TestBlockWithoutSourceIsUnsupported(t *testing.T) {
	c := &Channel{}
	err := c.Block(netip.MustParseAddr("239.0.0.1"), netip.Addr{}, "")
	if err != ErrBlockInterfaceOnly {
		t.Fatalf("err = %v, want ErrBlockInterfaceOnly", err)
	}
}
