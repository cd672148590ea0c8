package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spin-stack/meshbox/internal/otdaemon"
)

type proxyHarness struct {
	p          *proxy
	ifaceOps   []bool
	registered []bool
}

func newProxyHarness() *proxyHarness {
	h := &proxyHarness{}
	h.p = newProxy(
		func(up bool) { h.ifaceOps = append(h.ifaceOps, up) },
		func(attached bool) { h.registered = append(h.registered, attached) },
	)
	return h
}

func state(up bool, role otdaemon.DeviceRole, partition uint64) otdaemon.DeviceState {
	return otdaemon.DeviceState{InterfaceUp: up, Role: role, PartitionID: partition}
}

func TestRoleTransitionsDriveRegistration(t *testing.T) {
	sequences := []struct {
		roles []otdaemon.DeviceRole
		want  []bool
	}{
		{[]otdaemon.DeviceRole{otdaemon.RoleDetached, otdaemon.RoleChild, otdaemon.RoleRouter, otdaemon.RoleLeader}, []bool{true}},
		{[]otdaemon.DeviceRole{otdaemon.RoleChild, otdaemon.RoleDetached, otdaemon.RoleChild}, []bool{true, false, true}},
		{[]otdaemon.DeviceRole{otdaemon.RoleDisabled, otdaemon.RoleDetached}, nil},
		{[]otdaemon.DeviceRole{otdaemon.RoleLeader, otdaemon.RoleRouter, otdaemon.RoleDisabled}, []bool{true, false}},
	}
	for _, seq := range sequences {
		h := newProxyHarness()
		for _, role := range seq.roles {
			h.p.onStateChanged(state(true, role, 1), otdaemon.WildcardListenerID)
		}
		assert.Equal(t, seq.want, h.registered, "roles %v", seq.roles)

		// Registration state equals attachment of the last reported role.
		last := seq.roles[len(seq.roles)-1]
		final := false
		for _, r := range h.registered {
			final = r
		}
		assert.Equal(t, last.IsAttached(), final)
	}
}

func TestListenerFiresOnChangeOrOwnRegistration(t *testing.T) {
	h := newProxyHarness()

	var roles []otdaemon.DeviceRole
	id := h.p.register(StateListener{
		OnDeviceRoleChanged: func(role otdaemon.DeviceRole) { roles = append(roles, role) },
	})

	// First snapshot: everything counts as changed.
	h.p.onStateChanged(state(true, otdaemon.RoleChild, 1), otdaemon.WildcardListenerID)
	// Unchanged broadcast: no callback.
	h.p.onStateChanged(state(true, otdaemon.RoleChild, 1), otdaemon.WildcardListenerID)
	// Unchanged, but addressed to this listener: replayed.
	h.p.onStateChanged(state(true, otdaemon.RoleChild, 1), id)
	// Addressed to some other listener: not replayed.
	h.p.onStateChanged(state(true, otdaemon.RoleChild, 1), id+100)

	assert.Equal(t, []otdaemon.DeviceRole{otdaemon.RoleChild, otdaemon.RoleChild}, roles)
}

func TestInterfaceToggleOnlyOnChange(t *testing.T) {
	h := newProxyHarness()

	h.p.onStateChanged(state(true, otdaemon.RoleDetached, 1), otdaemon.WildcardListenerID)
	h.p.onStateChanged(state(true, otdaemon.RoleChild, 1), otdaemon.WildcardListenerID)
	h.p.onStateChanged(state(false, otdaemon.RoleDetached, 1), otdaemon.WildcardListenerID)

	assert.Equal(t, []bool{true, false}, h.ifaceOps)
}

func TestDaemonDeathSynthesizesSingleDetach(t *testing.T) {
	h := newProxyHarness()

	var roles []otdaemon.DeviceRole
	h.p.register(StateListener{
		OnDeviceRoleChanged: func(role otdaemon.DeviceRole) { roles = append(roles, role) },
	})

	h.p.onStateChanged(state(true, otdaemon.RoleLeader, 7), otdaemon.WildcardListenerID)
	h.p.onDaemonDied()

	assert.Equal(t, []otdaemon.DeviceRole{otdaemon.RoleLeader, otdaemon.RoleDetached}, roles)
	assert.Equal(t, []bool{true, false}, h.registered)
	assert.Equal(t, []bool{true, false}, h.ifaceOps)

	// Already-detached death produces nothing.
	before := len(roles)
	h.p.onDaemonDied()
	assert.Len(t, roles, before)

	// First snapshot after reconnect renotifies from scratch.
	h.p.onStateChanged(state(true, otdaemon.RoleChild, 9), otdaemon.WildcardListenerID)
	assert.Equal(t, otdaemon.RoleChild, roles[len(roles)-1])
	assert.Equal(t, []bool{true, false, true}, h.registered)
}
