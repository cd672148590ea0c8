package otdaemon_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/meshbox/internal/mesherr"
	"github.com/spin-stack/meshbox/internal/otdaemon"
	"github.com/spin-stack/meshbox/internal/otdaemon/otdaemontest"
)

func TestSyncCallDecodesResult(t *testing.T) {
	daemon, conn := otdaemontest.New(t)
	daemon.AutoRespondResult("get_channel_masks", otdaemon.ChannelMasks{
		SupportedMask: 0x07fff800,
		PreferredMask: 0x00001800,
	})
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{})
	defer client.Close()

	masks, err := client.GetChannelMasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x07fff800), masks.SupportedMask)
	assert.Equal(t, uint32(0x00001800), masks.PreferredMask)
}

func TestSyncCallMapsDaemonError(t *testing.T) {
	daemon, conn := otdaemontest.New(t)
	daemon.AutoRespondError("initialize", mesherr.CodeInvalidState, "not ready")
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{})
	defer client.Close()

	err := client.Initialize(context.Background(), otdaemon.InitializeRequest{InterfaceName: "thread-wpan0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mesherr.ErrFailedPrecondition)
	assert.Contains(t, err.Error(), "not ready")
}

func TestAsyncSendResolvesDone(t *testing.T) {
	daemon, conn := otdaemontest.New(t)
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{})
	defer client.Close()

	done := make(chan error, 1)
	client.SetThreadEnabled(true, func(err error) { done <- err })

	req := daemon.Expect(t, "set_thread_enabled")
	daemon.Respond(req, mesherr.CodeNone, "", nil)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
	}
}

func TestAsyncSendDaemonErrorCode(t *testing.T) {
	daemon, conn := otdaemontest.New(t)
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{})
	defer client.Close()

	done := make(chan error, 1)
	client.Join([]byte{0x0e, 0x08}, func(err error) { done <- err })

	req := daemon.Expect(t, "join")
	daemon.Respond(req, mesherr.CodeBusy, "another join in progress", nil)

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, mesherr.ErrBusy)
}

func TestConnectionLossResolvesPendingWithUnavailable(t *testing.T) {
	daemon, conn := otdaemontest.New(t)

	disconnected := make(chan struct{})
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{
		OnDisconnected: func() { close(disconnected) },
	})

	done := make(chan error, 1)
	client.Leave(func(err error) { done <- err })
	daemon.Expect(t, "leave")

	daemon.Close()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, mesherr.ErrUnavailable)

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}

	// New work on a dead client fails immediately.
	client.SetThreadEnabled(false, func(err error) { done <- err })
	assert.ErrorIs(t, <-done, mesherr.ErrUnavailable)
}

type closeCountingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *closeCountingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestDaemonSideCloseReleasesConnection(t *testing.T) {
	daemon, conn := otdaemontest.New(t)
	wrapped := &closeCountingConn{Conn: conn}

	disconnected := make(chan struct{})
	client := otdaemon.NewClient(wrapped, otdaemon.Callbacks{
		OnDisconnected: func() { close(disconnected) },
	})

	daemon.Close()
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}

	// The client half must not outlive the connection; a long-lived
	// service would otherwise leak one fd per daemon crash.
	assert.Positive(t, wrapped.closes.Load())
	require.NoError(t, client.Close())
}

func TestEventsDispatchToCallbacks(t *testing.T) {
	daemon, conn := otdaemontest.New(t)

	states := make(chan otdaemon.DeviceState, 1)
	listenerIDs := make(chan int64, 1)
	enabled := make(chan otdaemon.EnabledState, 1)
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{
		OnStateChanged: func(s otdaemon.DeviceState, id int64) {
			states <- s
			listenerIDs <- id
		},
		OnThreadEnabledChanged: func(s otdaemon.EnabledState) { enabled <- s },
	})
	defer client.Close()

	daemon.SendEvent("state_changed", otdaemon.DeviceState{
		InterfaceUp: true,
		Role:        otdaemon.RoleLeader,
		PartitionID: 42,
	}, 7)
	daemon.SendEvent("thread_enabled_changed", map[string]int32{"state": 1}, otdaemon.WildcardListenerID)

	state := <-states
	assert.True(t, state.InterfaceUp)
	assert.Equal(t, otdaemon.RoleLeader, state.Role)
	assert.Equal(t, uint64(42), state.PartitionID)
	assert.Equal(t, int64(7), <-listenerIDs)
	assert.Equal(t, otdaemon.EnabledStateEnabled, <-enabled)
}

func TestResponsesCorrelateByID(t *testing.T) {
	daemon, conn := otdaemontest.New(t)
	client := otdaemon.NewClient(conn, otdaemon.Callbacks{})
	defer client.Close()

	first := make(chan error, 1)
	second := make(chan error, 1)
	client.SetCountryCode("US", func(err error) { first <- err })
	client.SetCountryCode("GB", func(err error) { second <- err })

	reqA := daemon.Expect(t, "set_country_code")
	reqB := daemon.Expect(t, "set_country_code")

	// Answer out of order; each callback must see its own verdict.
	daemon.Respond(reqB, mesherr.CodeRejected, "region locked", nil)
	daemon.Respond(reqA, mesherr.CodeNone, "", nil)

	assert.NoError(t, <-first)
	assert.ErrorIs(t, <-second, mesherr.ErrRejectedByPeer)
}
