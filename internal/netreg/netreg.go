// Package netreg registers the mesh network with the host and selects the
// upstream network used for border routing.
//
// The host side is consumed through the HostNetworks facade: the mesh
// network is advertised as an available local network, an upstream request
// tracks candidate non-mesh networks, and multicast forwarding configuration
// is pushed to the host's local-network facade. The daemon side is a single
// border-router configuration push, issued only when the resolved upstream
// interface actually changes.
package netreg

import (
	"net/netip"
	"slices"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/otdaemon"
)

// NoNetwork is the networkID value meaning "no network".
const NoNetwork int64 = -1

// UpstreamFilter selects which host networks qualify as upstream.
type UpstreamFilter struct {
	// TestNetworkName, when non-empty, restricts the request to the named
	// test network regardless of capabilities.
	TestNetworkName string
	// Capabilities the upstream must have when no test network is forced.
	Capabilities []string
}

// DefaultUpstreamFilter matches Wi-Fi or Ethernet networks with internet
// connectivity.
func DefaultUpstreamFilter() UpstreamFilter {
	return UpstreamFilter{Capabilities: []string{"internet"}}
}

// UpstreamEvents receives upstream network notifications from the host.
// Callbacks may fire on any goroutine; the manager marshals them onto the
// service execution context before touching state.
type UpstreamEvents struct {
	// OnAvailable fires when a candidate network appears, with its current
	// routing-layer interface name (possibly empty until properties arrive).
	OnAvailable func(networkID int64, ifaceName string)
	// OnPropertiesChanged fires when a known network's interface name changes.
	OnPropertiesChanged func(networkID int64, ifaceName string)
	// OnSelected fires when the host promotes a network to be the mesh
	// network's upstream.
	OnSelected func(networkID int64)
	// OnLost fires when a network disappears.
	OnLost func(networkID int64)
}

// MulticastConfig is the forwarding configuration pushed to the host's
// local-network facade. Listening addresses are kept sorted so configs
// compare bytewise.
type MulticastConfig struct {
	ForwardingEnabled  bool
	ListeningAddresses []netip.Addr
}

func (c MulticastConfig) equal(other MulticastConfig) bool {
	if c.ForwardingEnabled != other.ForwardingEnabled {
		return false
	}
	return slices.EqualFunc(c.ListeningAddresses, other.ListeningAddresses,
		func(a, b netip.Addr) bool { return a == b })
}

// HostNetworks is the host's network-registration facade.
type HostNetworks interface {
	// RegisterLocalNetwork advertises the named network as available.
	RegisterLocalNetwork(name string) error
	// UnregisterLocalNetwork withdraws a previous registration.
	UnregisterLocalNetwork(name string) error
	// RequestUpstream asks the host for the best network matching the
	// filter. The returned cancel withdraws the request.
	RequestUpstream(filter UpstreamFilter, events UpstreamEvents) (cancel func(), err error)
	// SetMulticastForwarding pushes multicast forwarding configuration for
	// the local network.
	SetMulticastForwarding(cfg MulticastConfig) error
}

// BorderRouterPusher pushes border-router configuration to the daemon.
// done fires with the daemon's verdict.
type BorderRouterPusher func(cfg otdaemon.BorderRouterConfig, done func(error))

// Manager tracks upstream candidates and keeps border-routing and
// multicast-forwarding configuration converged. Not safe for concurrent
// use; all methods run on the service's serialized execution context, and
// host callbacks are marshaled there via the post function.
type Manager struct {
	host     HostNetworks
	push     BorderRouterPusher
	post     func(func())
	meshName string

	registered     bool
	cancelUpstream func()
	testNetwork    string

	// ifaceNames retains the last-known interface name of every candidate
	// so a later promotion does not require re-querying properties.
	ifaceNames map[int64]string
	currentID  int64

	configuredIface string
	lastMulticast   *MulticastConfig
}

// NewManager returns a manager for the named mesh network. post marshals
// host callbacks onto the service execution context.
func NewManager(meshName string, host HostNetworks, push BorderRouterPusher, post func(func())) *Manager {
	return &Manager{
		host:       host,
		push:       push,
		post:       post,
		meshName:   meshName,
		ifaceNames: make(map[int64]string),
		currentID:  NoNetwork,
	}
}

// Start issues the initial upstream request.
func (m *Manager) Start() error {
	return m.requestUpstream()
}

// SetTestNetwork forces upstream selection to the named network, or reverts
// to the default filter when name is empty. The upstream request is
// re-issued with the new filter.
func (m *Manager) SetTestNetwork(name string) error {
	if m.testNetwork == name {
		return nil
	}
	m.testNetwork = name
	return m.requestUpstream()
}

func (m *Manager) requestUpstream() error {
	if m.cancelUpstream != nil {
		m.cancelUpstream()
		m.cancelUpstream = nil
	}
	filter := DefaultUpstreamFilter()
	if m.testNetwork != "" {
		filter = UpstreamFilter{TestNetworkName: m.testNetwork}
	}
	cancel, err := m.host.RequestUpstream(filter, UpstreamEvents{
		OnAvailable:         func(id int64, iface string) { m.post(func() { m.onUpstreamChanged(id, iface) }) },
		OnPropertiesChanged: func(id int64, iface string) { m.post(func() { m.onUpstreamChanged(id, iface) }) },
		OnSelected:          func(id int64) { m.post(func() { m.onUpstreamSelected(id) }) },
		OnLost:              func(id int64) { m.post(func() { m.onUpstreamLost(id) }) },
	})
	if err != nil {
		return err
	}
	m.cancelUpstream = cancel
	return nil
}

// SetMeshRegistered registers or unregisters the mesh network with the host.
// Idempotent; re-entering the current state issues no host call. On
// unregistration, border routing is explicitly disabled rather than left
// stale.
func (m *Manager) SetMeshRegistered(registered bool) {
	if registered == m.registered {
		return
	}
	if registered {
		if err := m.host.RegisterLocalNetwork(m.meshName); err != nil {
			log.L.WithError(err).Error("netreg: failed to register mesh network")
			return
		}
		m.registered = true
		m.maybeConfigureBorderRouting()
		return
	}
	if err := m.host.UnregisterLocalNetwork(m.meshName); err != nil {
		log.L.WithError(err).Error("netreg: failed to unregister mesh network")
	}
	m.registered = false
	// The upstream selection stays valid across unregistration; only the
	// daemon-side configuration is withdrawn, so a later re-registration
	// can re-enable border routing without a fresh selection event.
	m.disableBorderRouting()
}

// IsMeshRegistered reports whether the mesh network is currently registered.
func (m *Manager) IsMeshRegistered() bool { return m.registered }

func (m *Manager) onUpstreamChanged(networkID int64, ifaceName string) {
	m.ifaceNames[networkID] = ifaceName
	if networkID == m.currentID {
		m.maybeConfigureBorderRouting()
	}
}

func (m *Manager) onUpstreamSelected(networkID int64) {
	if networkID == m.currentID {
		return
	}
	m.currentID = networkID
	if networkID == NoNetwork {
		m.disableBorderRouting()
		return
	}
	m.maybeConfigureBorderRouting()
}

func (m *Manager) onUpstreamLost(networkID int64) {
	delete(m.ifaceNames, networkID)
	if networkID == m.currentID {
		m.currentID = NoNetwork
		m.disableBorderRouting()
	}
}

// maybeConfigureBorderRouting pushes border-router configuration only when
// the resolved upstream interface is known and differs from the one last
// configured.
func (m *Manager) maybeConfigureBorderRouting() {
	if !m.registered || m.currentID == NoNetwork {
		return
	}
	iface := m.ifaceNames[m.currentID]
	if iface == "" || iface == m.configuredIface {
		return
	}
	m.configuredIface = iface
	log.L.WithField("iface", iface).Info("netreg: enabling border routing")
	m.push(otdaemon.BorderRouterConfig{
		InfraInterfaceName:   iface,
		BorderRoutingEnabled: true,
	}, func(err error) {
		if err != nil {
			log.L.WithError(err).WithField("iface", iface).Error("netreg: border router configuration rejected")
		}
	})
}

func (m *Manager) disableBorderRouting() {
	if m.configuredIface == "" {
		return
	}
	m.configuredIface = ""
	log.L.Info("netreg: disabling border routing")
	m.push(otdaemon.BorderRouterConfig{BorderRoutingEnabled: false}, func(err error) {
		if err != nil {
			log.L.WithError(err).Error("netreg: failed to disable border routing")
		}
	})
}

// UpdateMulticastState recomputes the multicast forwarding configuration
// from the daemon's backbone-router state and pushes it to the host only
// when it differs from what was last pushed.
func (m *Manager) UpdateMulticastState(state otdaemon.BackboneRouterState) {
	cfg := MulticastConfig{
		ForwardingEnabled:  state.MulticastForwardingEnabled,
		ListeningAddresses: slices.Clone(state.ListeningAddresses),
	}
	slices.SortFunc(cfg.ListeningAddresses, func(a, b netip.Addr) int { return a.Compare(b) })

	if m.lastMulticast != nil && m.lastMulticast.equal(cfg) {
		return
	}
	if err := m.host.SetMulticastForwarding(cfg); err != nil {
		log.L.WithError(err).Error("netreg: failed to push multicast forwarding config")
		return
	}
	m.lastMulticast = &cfg
}

// OnDaemonDied resets upstream and forwarding bookkeeping to quiescent.
// The upstream request stays active; candidate networks are still valid.
// Nothing is pushed to the dead daemon; a reconnect starts from a clean
// configuration anyway.
func (m *Manager) OnDaemonDied() {
	m.configuredIface = ""
	m.SetMeshRegistered(false)
	m.lastMulticast = nil
}

// Close withdraws the upstream request and the mesh registration.
func (m *Manager) Close() {
	m.SetMeshRegistered(false)
	if m.cancelUpstream != nil {
		m.cancelUpstream()
		m.cancelUpstream = nil
	}
}
