//go:build linux

package tunif

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/spin-stack/meshbox/internal/otdaemon"
)

// fakeOps records every netlink write in order.
type fakeOps struct {
	calls []string

	failAddrReplace bool
	failAddrDel     bool
}

func (f *fakeOps) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeOps) LinkAdd(link netlink.Link) error {
	f.record("LinkAdd %s", link.Attrs().Name)
	return nil
}

func (f *fakeOps) LinkByName(name string) (netlink.Link, error) {
	return &netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{Name: name, Index: 7, MTU: MTU}}, nil
}

func (f *fakeOps) LinkSetUp(link netlink.Link) error {
	f.record("LinkSetUp")
	return nil
}

func (f *fakeOps) LinkSetDown(link netlink.Link) error {
	f.record("LinkSetDown")
	return nil
}

func (f *fakeOps) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	f.record("AddrReplace %s pref=%d", addr.IPNet.String(), addr.PreferedLft)
	if f.failAddrReplace {
		return errors.New("write failed")
	}
	return nil
}

func (f *fakeOps) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	f.record("AddrDel %s", addr.IPNet.String())
	if f.failAddrDel {
		return errors.New("write failed")
	}
	return nil
}

func (f *fakeOps) RouteAdd(route *netlink.Route) error {
	f.record("RouteAdd %s", route.Dst.String())
	return nil
}

func (f *fakeOps) RouteDel(route *netlink.Route) error {
	f.record("RouteDel %s", route.Dst.String())
	return nil
}

func (f *fakeOps) reset() { f.calls = nil }

func newTestController(t *testing.T) (*Controller, *fakeOps) {
	t.Helper()
	ops := &fakeOps{}
	c := NewController("thread-wpan0", ops)
	require.NoError(t, c.CreateInterface())
	ops.reset()
	return c, ops
}

func addr(s string, prefixLen int, omr, meshLocal, preferred bool) otdaemon.AddressInfo {
	return otdaemon.AddressInfo{
		Address:     netip.MustParseAddr(s),
		PrefixLen:   prefixLen,
		IsActiveOMR: omr,
		IsMeshLocal: meshLocal,
		IsPreferred: preferred,
	}
}

func TestSetInterfaceUpIsIdempotent(t *testing.T) {
	c, ops := newTestController(t)

	require.NoError(t, c.SetInterfaceUp(true))
	require.NoError(t, c.SetInterfaceUp(true))
	assert.Equal(t, []string{"LinkSetUp"}, ops.calls)

	ops.reset()
	require.NoError(t, c.SetInterfaceUp(false))
	require.NoError(t, c.SetInterfaceUp(false))
	assert.Equal(t, []string{"LinkSetDown"}, ops.calls)
}

func TestUpdateAddressesConverges(t *testing.T) {
	c, ops := newTestController(t)

	s1 := []otdaemon.AddressInfo{
		addr("fd00::1", 64, true, false, true),
		addr("fe80::1", 64, false, false, true),
	}
	c.UpdateAddresses(s1)
	assert.Len(t, c.AppliedAddresses(), 2)

	// fd00::1 survives into S2; it must not be removed and re-added.
	ops.reset()
	s2 := []otdaemon.AddressInfo{
		addr("fd00::1", 64, true, false, true),
		addr("fd00::2", 64, false, false, true),
	}
	c.UpdateAddresses(s2)

	for _, call := range ops.calls {
		assert.NotContains(t, call, "AddrDel fd00::1", "retained address must not be touched")
		assert.NotContains(t, call, "AddrReplace fd00::1", "retained address must not be touched")
	}
	applied := c.AppliedAddresses()
	assert.ElementsMatch(t, []netip.Prefix{
		netip.PrefixFrom(netip.MustParseAddr("fd00::1"), 64),
		netip.PrefixFrom(netip.MustParseAddr("fd00::2"), 64),
	}, applied)
}

func TestUpdateAddressesIdenticalSetIsNoOp(t *testing.T) {
	c, ops := newTestController(t)

	set := []otdaemon.AddressInfo{addr("fd00::1", 64, true, false, true)}
	c.UpdateAddresses(set)
	ops.reset()

	c.UpdateAddresses(set)
	assert.Empty(t, ops.calls, "identical set must issue zero netlink writes")
}

func TestUpdateAddressesRemovalsBeforeAdditions(t *testing.T) {
	c, ops := newTestController(t)

	c.UpdateAddresses([]otdaemon.AddressInfo{addr("fd00::1", 64, true, false, true)})
	ops.reset()

	c.UpdateAddresses([]otdaemon.AddressInfo{addr("fd00::2", 64, true, false, true)})

	var sawDel, sawAdd bool
	for _, call := range ops.calls {
		switch {
		case len(call) >= 7 && call[:7] == "AddrDel":
			assert.False(t, sawAdd, "all removals must precede additions")
			sawDel = true
		case len(call) >= 11 && call[:11] == "AddrReplace":
			sawAdd = true
		}
	}
	assert.True(t, sawDel)
	assert.True(t, sawAdd)
}

func TestMeshLocalDeprecatedWhenOMRPresent(t *testing.T) {
	c, ops := newTestController(t)

	c.UpdateAddresses([]otdaemon.AddressInfo{
		addr("fd00:db8::1", 64, true, false, true),
		addr("fdde:ad00::1", 64, false, true, true),
	})

	var meshLocalPref string
	for _, call := range ops.calls {
		if len(call) > 11 && call[:11] == "AddrReplace" && call[12:16] == "fdde" {
			meshLocalPref = call
		}
	}
	require.NotEmpty(t, meshLocalPref)
	assert.Contains(t, meshLocalPref, "pref=0", "mesh-local address must be deprecated, not removed")

	// OMR disappears: mesh-local flips back to preferred in place.
	ops.reset()
	c.UpdateAddresses([]otdaemon.AddressInfo{
		addr("fdde:ad00::1", 64, false, true, true),
	})
	var flipped bool
	for _, call := range ops.calls {
		if len(call) > 11 && call[:11] == "AddrReplace" {
			assert.Contains(t, call, fmt.Sprintf("pref=%d", uint32(infiniteLifetime)))
			flipped = true
		}
		assert.NotContains(t, call, "AddrDel fdde", "flag change must not remove the address")
	}
	assert.True(t, flipped)
}

func TestMulticastAddressesIgnored(t *testing.T) {
	c, ops := newTestController(t)

	c.UpdateAddresses([]otdaemon.AddressInfo{
		addr("ff02::1", 128, false, false, true),
		addr("fd00::1", 64, true, false, true),
	})
	for _, call := range ops.calls {
		assert.NotContains(t, call, "ff02")
	}
	assert.Len(t, c.AppliedAddresses(), 1)
}

func TestInterfaceDownRemovesAddressesFirst(t *testing.T) {
	c, ops := newTestController(t)

	require.NoError(t, c.SetInterfaceUp(true))
	c.UpdateAddresses([]otdaemon.AddressInfo{addr("fd00::1", 64, true, false, true)})
	ops.reset()

	require.NoError(t, c.SetInterfaceUp(false))

	require.NotEmpty(t, ops.calls)
	assert.Equal(t, "LinkSetDown", ops.calls[len(ops.calls)-1], "down must come after address removal")
	assert.Contains(t, ops.calls, "AddrDel fd00::1/64")
	assert.Empty(t, c.AppliedAddresses())
}

func TestWriteFailureStillAdvancesModel(t *testing.T) {
	c, ops := newTestController(t)
	ops.failAddrReplace = true

	c.UpdateAddresses([]otdaemon.AddressInfo{addr("fd00::1", 64, true, false, true)})
	assert.Len(t, c.AppliedAddresses(), 1, "daemon view is source of truth; model advances on failed write")

	ops.failAddrReplace = false
	ops.failAddrDel = true
	ops.reset()
	c.UpdateAddresses(nil)
	assert.Empty(t, c.AppliedAddresses(), "removal failure must not keep the address in the model")
}

func TestRouteAddedAndRemovedWithAddress(t *testing.T) {
	c, ops := newTestController(t)

	c.UpdateAddresses([]otdaemon.AddressInfo{addr("fd00:db8:0:1::5", 64, true, false, true)})
	assert.Contains(t, ops.calls, "RouteAdd fd00:db8:0:1::/64")

	ops.reset()
	c.UpdateAddresses(nil)
	assert.Contains(t, ops.calls, "RouteDel fd00:db8:0:1::/64")
}
