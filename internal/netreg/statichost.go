package netreg

import (
	"github.com/containerd/log"
)

// staticHost is the HostNetworks implementation for hosts without a
// connectivity manager: the upstream interface is fixed by configuration
// and announced once per request, and registration and multicast pushes are
// recorded in the log only.
type staticHost struct {
	upstreamIface string
}

// NewStaticHost returns a facade that always selects upstreamIface as the
// upstream network. An empty name means no upstream is ever offered, which
// leaves border routing disabled.
func NewStaticHost(upstreamIface string) HostNetworks {
	return &staticHost{upstreamIface: upstreamIface}
}

func (h *staticHost) RegisterLocalNetwork(name string) error {
	log.L.WithField("network", name).Info("host: mesh network available")
	return nil
}

func (h *staticHost) UnregisterLocalNetwork(name string) error {
	log.L.WithField("network", name).Info("host: mesh network withdrawn")
	return nil
}

func (h *staticHost) RequestUpstream(filter UpstreamFilter, events UpstreamEvents) (func(), error) {
	iface := h.upstreamIface
	if filter.TestNetworkName != "" {
		iface = filter.TestNetworkName
	}
	if iface != "" {
		events.OnAvailable(1, iface)
		events.OnSelected(1)
	}
	return func() {}, nil
}

func (h *staticHost) SetMulticastForwarding(cfg MulticastConfig) error {
	log.L.WithFields(log.Fields{
		"enabled":   cfg.ForwardingEnabled,
		"listeners": len(cfg.ListeningAddresses),
	}).Info("host: multicast forwarding config")
	return nil
}
