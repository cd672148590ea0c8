// Package otdaemon implements the client side of the mesh daemon's control
// protocol: a JSON-line request/response protocol over a unix socket with an
// asynchronous event stream, plus the launcher for the daemon process itself.
package otdaemon

import "net/netip"

// DeviceRole is the daemon-reported role of this device in the mesh.
type DeviceRole int32

const (
	RoleDisabled DeviceRole = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

// IsAttached reports whether the role means the device participates in a
// mesh partition.
func (r DeviceRole) IsAttached() bool {
	switch r {
	case RoleChild, RoleRouter, RoleLeader:
		return true
	default:
		return false
	}
}

func (r DeviceRole) String() string {
	switch r {
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// EnabledState is the daemon-reported state of the feature toggle.
type EnabledState int32

const (
	EnabledStateDisabled EnabledState = iota
	EnabledStateEnabled
	EnabledStateDisabling
)

func (s EnabledState) String() string {
	switch s {
	case EnabledStateDisabled:
		return "disabled"
	case EnabledStateEnabled:
		return "enabled"
	case EnabledStateDisabling:
		return "disabling"
	default:
		return "unknown"
	}
}

// WildcardListenerID addresses a state-changed notification to every
// registered listener rather than answering a specific (re-)registration.
const WildcardListenerID int64 = -1

// DeviceState is the daemon's snapshot of mesh state, replaced wholesale on
// every state-changed event.
type DeviceState struct {
	InterfaceUp    bool       `json:"interface_up"`
	Role           DeviceRole `json:"device_role"`
	PartitionID    uint64     `json:"partition_id"`
	ActiveDataset  []byte     `json:"active_dataset,omitempty"`
	PendingDataset []byte     `json:"pending_dataset,omitempty"`
}

// AddressInfo describes one unicast address the daemon has assigned to the
// mesh interface.
type AddressInfo struct {
	Address     netip.Addr `json:"address"`
	PrefixLen   int        `json:"prefix_len"`
	IsMeshLocal bool       `json:"is_mesh_local"`
	IsActiveOMR bool       `json:"is_active_omr"`
	IsPreferred bool       `json:"is_preferred"`
}

// BackboneRouterState carries the daemon's multicast forwarding state: the
// global toggle and the set of downstream listener addresses.
type BackboneRouterState struct {
	MulticastForwardingEnabled bool         `json:"multicast_forwarding_enabled"`
	ListeningAddresses         []netip.Addr `json:"listening_addresses,omitempty"`
}

// BorderRouterConfig is pushed to the daemon whenever the chosen upstream
// interface changes.
type BorderRouterConfig struct {
	InfraInterfaceName   string `json:"infra_interface_name"`
	BorderRoutingEnabled bool   `json:"border_routing_enabled"`
}

// DeviceMetadata identifies this device to the mesh network.
type DeviceMetadata struct {
	Vendor  string `json:"vendor"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

// InitializeRequest is the first call pushed on every (re)connection.
// The virtual interface is handed over by name; the daemon opens the
// persistent interface it is told about.
type InitializeRequest struct {
	InterfaceName string         `json:"interface_name"`
	Enabled       bool           `json:"enabled"`
	NsdEnabled    bool           `json:"nsd_enabled"`
	Metadata      DeviceMetadata `json:"metadata"`
	CountryCode   string         `json:"country_code"`
}

// ServiceRegistration is a daemon request to advertise one service instance
// through the host's service discovery.
type ServiceRegistration struct {
	InstanceName string            `json:"instance_name"`
	ServiceType  string            `json:"service_type"`
	Port         uint16            `json:"port"`
	TxtRecords   map[string][]byte `json:"txt_records,omitempty"`
}

// ChannelMasks is the result of the channel mask query.
type ChannelMasks struct {
	SupportedMask uint32 `json:"supported_mask"`
	PreferredMask uint32 `json:"preferred_mask"`
}

// ChannelMaxPower sets the maximum transmit power for one channel.
type ChannelMaxPower struct {
	Channel  int `json:"channel"`
	MaxPower int `json:"max_power"`
}

// Callbacks receives asynchronous daemon notifications. All methods are
// invoked from the client's read-loop goroutine; implementations must
// marshal onto their own execution context before touching shared state.
type Callbacks struct {
	OnStateChanged               func(state DeviceState, listenerID int64)
	OnAddressChanged             func(addresses []AddressInfo)
	OnBackboneRouterStateChanged func(state BackboneRouterState)
	OnThreadEnabledChanged       func(state EnabledState)

	// OnServiceRegistered and OnServiceUnregistered relay the daemon's
	// service-discovery publications to the host.
	OnServiceRegistered   func(reg ServiceRegistration)
	OnServiceUnregistered func(instanceName string)

	// OnDisconnected fires exactly once when the connection to the daemon
	// is lost for any reason, including Close.
	OnDisconnected func()
}
