//go:build linux

// Package tunif owns the persistent virtual interface that exposes the mesh
// network to the host IP stack, keeping its kernel address and route state
// synchronized with the daemon's view.
//
// The applied address set is always a function of the last address list
// received from the daemon; nothing else mutates it. Kernel write failures
// are logged and the in-memory model still advances, because the daemon's
// view is the source of truth and retrying indefinitely would desynchronize
// the two.
package tunif

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"

	"github.com/spin-stack/meshbox/internal/otdaemon"
)

// MTU of the virtual mesh interface. 1280 is the IPv6 minimum and what the
// mesh protocol assumes.
const MTU = 1280

// infiniteLifetime marks an address lifetime as permanent in RTM_NEWADDR.
const infiniteLifetime = 0xffffffff

type addrKey struct {
	addr      netip.Addr
	prefixLen int
}

type appliedAddr struct {
	key       addrKey
	preferred bool
}

// Controller manages one virtual interface. Not safe for concurrent use;
// the service confines all calls to its serialized execution context.
type Controller struct {
	ifName string
	ops    Ops

	link    netlink.Link
	isUp    bool
	applied map[addrKey]appliedAddr
}

// NewController returns a controller for the named interface. The interface
// is not touched until CreateInterface.
func NewController(ifName string, ops Ops) *Controller {
	return &Controller{
		ifName:  ifName,
		ops:     ops,
		applied: make(map[addrKey]appliedAddr),
	}
}

// InterfaceName returns the name of the managed interface.
func (c *Controller) InterfaceName() string { return c.ifName }

// CreateInterface creates (or adopts) the persistent TUN interface. Failure
// here is fatal to the service: without the interface there is nothing to
// expose the mesh network on.
func (c *Controller) CreateInterface() error {
	tun := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{
			Name: c.ifName,
			MTU:  MTU,
		},
		Mode:  netlink.TUNTAP_MODE_TUN,
		Flags: netlink.TUNTAP_DEFAULTS,
	}
	if err := c.ops.LinkAdd(tun); err != nil {
		// The interface survives service restarts; adopt it if present.
		link, lookupErr := c.ops.LinkByName(c.ifName)
		if lookupErr != nil {
			return fmt.Errorf("create tun interface %s: %w", c.ifName, err)
		}
		c.link = link
		return nil
	}
	link, err := c.ops.LinkByName(c.ifName)
	if err != nil {
		return fmt.Errorf("lookup tun interface %s: %w", c.ifName, err)
	}
	c.link = link
	return nil
}

// SetInterfaceUp toggles the administrative state. Before bringing the
// interface down every applied address is removed, so kernel route state
// cannot outlive the logical down state. Repeating the current state is a
// no-op.
func (c *Controller) SetInterfaceUp(up bool) error {
	if c.link == nil {
		return fmt.Errorf("interface %s not created", c.ifName)
	}
	if up == c.isUp {
		return nil
	}
	if !up {
		for _, a := range c.appliedList() {
			c.removeAddress(a)
		}
	}
	var err error
	if up {
		err = c.ops.LinkSetUp(c.link)
	} else {
		err = c.ops.LinkSetDown(c.link)
	}
	if err != nil {
		return fmt.Errorf("set %s up=%v: %w", c.ifName, up, err)
	}
	c.isUp = up
	return nil
}

// UpdateAddresses synchronizes the kernel address set to the daemon's
// address list: removals are applied before additions, and addresses
// present in both sets are left untouched unless their preferred flag
// changed (those are replaced in place, never removed and re-added).
//
// One synthesized policy: while any active on-mesh-routable address exists,
// mesh-local addresses are deprecated (non-preferred) rather than removed,
// keeping them usable but de-prioritized.
func (c *Controller) UpdateAddresses(infos []otdaemon.AddressInfo) {
	hasActiveOMR := false
	for _, info := range infos {
		if info.IsActiveOMR {
			hasActiveOMR = true
			break
		}
	}

	desired := make(map[addrKey]appliedAddr, len(infos))
	for _, info := range infos {
		if info.Address.IsMulticast() {
			continue
		}
		preferred := info.IsPreferred
		if info.IsMeshLocal && hasActiveOMR {
			preferred = false
		}
		key := addrKey{addr: info.Address, prefixLen: info.PrefixLen}
		desired[key] = appliedAddr{key: key, preferred: preferred}
	}

	for key, a := range c.applied {
		if _, ok := desired[key]; !ok {
			c.removeAddress(a)
		}
	}
	for key, want := range desired {
		have, ok := c.applied[key]
		if ok && have.preferred == want.preferred {
			continue
		}
		c.addAddress(want)
	}
}

// OnDaemonDied resets the interface to its quiescent state: all addresses
// removed and the interface down. Teardown failures are logged and do not
// stop the rest of teardown.
func (c *Controller) OnDaemonDied() {
	if err := c.SetInterfaceUp(false); err != nil {
		log.L.WithError(err).Error("tunif: failed to bring interface down after daemon death")
	}
}

// AppliedAddresses returns the addresses the controller believes are
// applied, for diagnostics.
func (c *Controller) AppliedAddresses() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.applied))
	for key := range c.applied {
		out = append(out, netip.PrefixFrom(key.addr, key.prefixLen))
	}
	return out
}

func (c *Controller) appliedList() []appliedAddr {
	out := make([]appliedAddr, 0, len(c.applied))
	for _, a := range c.applied {
		out = append(out, a)
	}
	return out
}

// addAddress writes the address (with lifetimes derived from the preferred
// flag) and its on-link route. The model advances even when a write fails.
func (c *Controller) addAddress(a appliedAddr) {
	logger := log.L.WithFields(log.Fields{
		"address":   a.key.addr.String(),
		"prefixLen": a.key.prefixLen,
		"preferred": a.preferred,
	})
	logger.Debug("tunif: adding address")

	nlAddr := c.netlinkAddr(a)
	if err := c.ops.AddrReplace(c.link, nlAddr); err != nil {
		logger.WithError(err).Error("tunif: failed to add address")
	}
	if _, existed := c.applied[a.key]; !existed {
		if err := c.ops.RouteAdd(c.routeForAddress(a.key)); err != nil {
			logger.WithError(err).Error("tunif: failed to add route")
		}
	}
	c.applied[a.key] = a
}

// removeAddress updates the model before issuing the netlink writes: the
// address is already gone from the daemon's view, so the host must not
// keep advertising it even if the kernel write fails.
func (c *Controller) removeAddress(a appliedAddr) {
	logger := log.L.WithFields(log.Fields{
		"address":   a.key.addr.String(),
		"prefixLen": a.key.prefixLen,
	})
	logger.Debug("tunif: removing address")

	delete(c.applied, a.key)
	if err := c.ops.RouteDel(c.routeForAddress(a.key)); err != nil {
		logger.WithError(err).Error("tunif: failed to remove route")
	}
	if err := c.ops.AddrDel(c.link, c.netlinkAddr(a)); err != nil {
		logger.WithError(err).Error("tunif: failed to remove address")
	}
}

func (c *Controller) netlinkAddr(a appliedAddr) *netlink.Addr {
	bits := 128
	if a.key.addr.Is4() {
		bits = 32
	}
	preferredLft := infiniteLifetime
	if !a.preferred {
		// Deprecated: still valid, immediately non-preferred.
		preferredLft = 0
	}
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   a.key.addr.AsSlice(),
			Mask: net.CIDRMask(a.key.prefixLen, bits),
		},
		ValidLft:    infiniteLifetime,
		PreferedLft: preferredLft,
	}
}

func (c *Controller) routeForAddress(key addrKey) *netlink.Route {
	prefix := netip.PrefixFrom(key.addr, key.prefixLen).Masked()
	bits := 128
	if key.addr.Is4() {
		bits = 32
	}
	return &netlink.Route{
		LinkIndex: c.link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(key.prefixLen, bits),
		},
		Scope: netlink.SCOPE_LINK,
		MTU:   MTU,
	}
}
