package service

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/mesherr"
	"github.com/spin-stack/meshbox/internal/nsd"
	"github.com/spin-stack/meshbox/internal/otdaemon"
	"github.com/spin-stack/meshbox/internal/settings"
)

// getClient returns the live daemon client, connecting lazily when the
// feature is administratively enabled. Loop-confined.
func (s *Service) getClient(ctx context.Context) (*otdaemon.Client, error) {
	s.loop.assertInLoop()
	if s.forciblyStopped {
		return nil, fmt.Errorf("daemon forcibly stopped: %w", mesherr.ErrUnavailable)
	}
	if s.client != nil {
		return s.client, nil
	}
	if !s.store.Get(settings.KeyEnabled) {
		return nil, fmt.Errorf("cannot start daemon: %w", mesherr.ErrThreadDisabled)
	}
	if err := s.connect(ctx); err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w: %v", mesherr.ErrUnavailable, err)
	}
	return s.client, nil
}

// connect spawns and initializes a daemon. On success s.client and s.proc
// hold the new handles; on failure both stay nil and the error is
// recoverable (retried on next access). Loop-confined.
func (s *Service) connect(ctx context.Context) error {
	s.loop.assertInLoop()

	s.generation++
	gen := s.generation
	callbacks := otdaemon.Callbacks{
		OnStateChanged: func(state otdaemon.DeviceState, listenerID int64) {
			s.loop.Post(func() { s.proxy.onStateChanged(state, listenerID) })
		},
		OnAddressChanged: func(addrs []otdaemon.AddressInfo) {
			s.loop.Post(func() { s.tun.UpdateAddresses(addrs) })
		},
		OnBackboneRouterStateChanged: func(state otdaemon.BackboneRouterState) {
			s.loop.Post(func() { s.netreg.UpdateMulticastState(state) })
		},
		OnThreadEnabledChanged: func(state otdaemon.EnabledState) {
			s.loop.Post(func() { s.proxy.onThreadEnabledChanged(state) })
		},
		OnServiceRegistered: func(reg otdaemon.ServiceRegistration) {
			s.loop.Post(func() { s.publishService(reg) })
		},
		OnServiceUnregistered: func(name string) {
			s.loop.Post(func() { s.withdrawService(name) })
		},
		OnDisconnected: func() {
			s.loop.Post(func() { s.onDaemonDied(gen) })
		},
	}

	client, proc, err := s.spawner.Spawn(ctx, callbacks)
	if err != nil {
		return err
	}

	init := otdaemon.InitializeRequest{
		InterfaceName: s.tun.InterfaceName(),
		Enabled:       s.store.Get(settings.KeyEnabled),
		NsdEnabled:    true,
		Metadata:      s.meta,
		CountryCode:   s.country.Get(),
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.GetDaemonCall())
	defer cancel()
	if err := client.Initialize(callCtx, init); err != nil {
		client.Close()
		proc.Kill()
		return fmt.Errorf("initialize daemon: %w", err)
	}
	if err := client.RegisterStateListener(callCtx, otdaemon.WildcardListenerID); err != nil {
		client.Close()
		proc.Kill()
		return fmt.Errorf("register state sink: %w", err)
	}

	s.client = client
	s.proc = proc

	// Process death surfaces as a connection loss; the client teardown
	// fires OnDisconnected exactly once either way.
	go func() {
		<-proc.Exited()
		client.Close()
	}()

	log.G(ctx).WithField("pid", proc.Pid()).Info("service: daemon connected")
	return nil
}

// publishService forwards a daemon service advertisement to the host's
// service discovery. Loop-confined.
func (s *Service) publishService(reg otdaemon.ServiceRegistration) {
	err := s.nsd.Register(nsd.ServiceInstance{
		InstanceName: reg.InstanceName,
		ServiceType:  reg.ServiceType,
		Port:         reg.Port,
		TxtRecords:   reg.TxtRecords,
	})
	if err != nil {
		log.L.WithError(err).WithField("instance", reg.InstanceName).Warn("service: rejected daemon service registration")
	}
}

// withdrawService removes a daemon service advertisement. Loop-confined.
func (s *Service) withdrawService(name string) {
	if err := s.nsd.Unregister(name); err != nil {
		log.L.WithError(err).WithField("instance", name).Warn("service: daemon withdrew unknown service")
	}
}

// onDaemonDied handles liveness failure of the daemon identified by gen.
// Stale notifications from a previous daemon are ignored. Loop-confined.
func (s *Service) onDaemonDied(gen uint64) {
	s.loop.assertInLoop()
	if gen != s.generation || s.client == nil {
		return
	}
	log.L.WithField("pid", s.proc.Pid()).Warn("service: daemon died")

	client := s.client
	s.client = nil
	s.proc = nil
	client.Close()

	// Force-resolve in-flight operations before any state teardown so
	// their callers observe Unavailable, not a half-reset service.
	s.registry.FailAllPending()

	s.netreg.OnDaemonDied()
	s.proxy.onDaemonDied()
	s.tun.OnDaemonDied()
	s.nsd.Reset()

	if s.forciblyStopped || !s.store.Get(settings.KeyEnabled) {
		return
	}
	if err := s.connect(context.Background()); err != nil {
		log.L.WithError(err).Warn("service: daemon reconnect failed, will retry on next access")
	}
}
