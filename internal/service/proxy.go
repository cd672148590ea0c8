package service

import (
	"bytes"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/otdaemon"
)

// StateListener receives mesh state notifications. Callbacks fire on the
// service execution context and must not block; nil funcs are skipped.
type StateListener struct {
	OnInterfaceStateChanged func(up bool)
	OnDeviceRoleChanged     func(role otdaemon.DeviceRole)
	OnPartitionIDChanged    func(partitionID uint64)
	OnActiveDatasetChanged  func(tlvs []byte)
	OnPendingDatasetChanged func(tlvs []byte)
	OnThreadEnabledChanged  func(state otdaemon.EnabledState)
}

// proxy is the single entry point for daemon state notifications. It diffs
// each incoming snapshot against the previous one, fans out to registered
// listeners, and drives the interface and network-registration side effects.
// Loop-confined.
type proxy struct {
	nextListenerID int64
	listeners      map[int64]StateListener

	// state is nil until the first callback after a daemon (re)connect.
	state *otdaemon.DeviceState

	// Side-effecting transitions, invoked only on actual change.
	setInterfaceUp    func(up bool)
	setMeshRegistered func(attached bool)
}

func newProxy(setInterfaceUp func(bool), setMeshRegistered func(bool)) *proxy {
	return &proxy{
		listeners:         make(map[int64]StateListener),
		setInterfaceUp:    setInterfaceUp,
		setMeshRegistered: setMeshRegistered,
	}
}

// register adds a listener and returns its id. The caller re-registers the
// id with the daemon, which answers with a snapshot notification targeted at
// exactly this listener.
func (p *proxy) register(l StateListener) int64 {
	p.nextListenerID++
	id := p.nextListenerID
	p.listeners[id] = l
	return id
}

func (p *proxy) unregister(id int64) {
	delete(p.listeners, id)
}

// onStateChanged processes one daemon snapshot. Sub-transitions run in
// fixed order: interface up/down, device role, partition id, active dataset,
// pending dataset. A listener is notified for a field when the field changed
// relative to the previous snapshot, or when the notification answers that
// listener's own (re-)registration, so a fresh listener always gets one
// reply even if nothing changed.
func (p *proxy) onStateChanged(state otdaemon.DeviceState, listenerID int64) {
	prev := p.state
	p.state = &state

	log.L.WithFields(log.Fields{
		"interfaceUp": state.InterfaceUp,
		"role":        state.Role.String(),
		"partition":   state.PartitionID,
		"listenerID":  listenerID,
	}).Debug("service: state changed")

	upChanged := prev == nil || prev.InterfaceUp != state.InterfaceUp
	if upChanged {
		p.setInterfaceUp(state.InterfaceUp)
	}
	p.notify(upChanged, listenerID, func(l StateListener) {
		if l.OnInterfaceStateChanged != nil {
			l.OnInterfaceStateChanged(state.InterfaceUp)
		}
	})

	roleChanged := prev == nil || prev.Role != state.Role
	if roleChanged {
		wasAttached := prev != nil && prev.Role.IsAttached()
		if wasAttached != state.Role.IsAttached() {
			p.setMeshRegistered(state.Role.IsAttached())
		}
	}
	p.notify(roleChanged, listenerID, func(l StateListener) {
		if l.OnDeviceRoleChanged != nil {
			l.OnDeviceRoleChanged(state.Role)
		}
	})

	partitionChanged := prev == nil || prev.PartitionID != state.PartitionID
	p.notify(partitionChanged, listenerID, func(l StateListener) {
		if l.OnPartitionIDChanged != nil {
			l.OnPartitionIDChanged(state.PartitionID)
		}
	})

	activeChanged := prev == nil || !bytes.Equal(prev.ActiveDataset, state.ActiveDataset)
	p.notify(activeChanged, listenerID, func(l StateListener) {
		if l.OnActiveDatasetChanged != nil {
			l.OnActiveDatasetChanged(state.ActiveDataset)
		}
	})

	pendingChanged := prev == nil || !bytes.Equal(prev.PendingDataset, state.PendingDataset)
	p.notify(pendingChanged, listenerID, func(l StateListener) {
		if l.OnPendingDatasetChanged != nil {
			l.OnPendingDatasetChanged(state.PendingDataset)
		}
	})
}

func (p *proxy) onThreadEnabledChanged(state otdaemon.EnabledState) {
	log.L.WithField("state", state.String()).Info("service: thread enabled state changed")
	for _, l := range p.listeners {
		if l.OnThreadEnabledChanged != nil {
			l.OnThreadEnabledChanged(state)
		}
	}
}

// notify fans out: every listener on a change, or just the addressed
// listener when nothing changed.
func (p *proxy) notify(changed bool, listenerID int64, fn func(StateListener)) {
	for id, l := range p.listeners {
		if changed || id == listenerID {
			fn(l)
		}
	}
}

// onDaemonDied synthesizes a single detach transition so every listener
// observes a consistent detach even though no daemon callback produced it,
// then clears the snapshot; the first callback after reconnect renotifies
// every field.
func (p *proxy) onDaemonDied() {
	if p.state != nil && (p.state.Role.IsAttached() || p.state.InterfaceUp) {
		detached := *p.state
		detached.Role = otdaemon.RoleDetached
		detached.InterfaceUp = false
		p.onStateChanged(detached, otdaemon.WildcardListenerID)
	}
	p.state = nil
}
