//go:build linux

package tunif

import "github.com/vishvananda/netlink"

// Ops is the narrow netlink surface the controller needs. The default
// implementation delegates to the kernel; tests substitute a fake to
// observe exact write sequences.
type Ops interface {
	LinkAdd(link netlink.Link) error
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

type kernelOps struct{}

// NewKernelOps returns the Ops implementation backed by rtnetlink.
func NewKernelOps() Ops { return kernelOps{} }

func (kernelOps) LinkAdd(link netlink.Link) error              { return netlink.LinkAdd(link) }
func (kernelOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (kernelOps) LinkSetUp(link netlink.Link) error            { return netlink.LinkSetUp(link) }
func (kernelOps) LinkSetDown(link netlink.Link) error          { return netlink.LinkSetDown(link) }
func (kernelOps) AddrReplace(link netlink.Link, a *netlink.Addr) error {
	return netlink.AddrReplace(link, a)
}
func (kernelOps) AddrDel(link netlink.Link, a *netlink.Addr) error { return netlink.AddrDel(link, a) }
func (kernelOps) RouteAdd(route *netlink.Route) error              { return netlink.RouteAdd(route) }
func (kernelOps) RouteDel(route *netlink.Route) error              { return netlink.RouteDel(route) }
