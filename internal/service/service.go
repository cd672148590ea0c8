// Package service implements the border-router control service: it owns the
// mesh daemon lifecycle, keeps the virtual interface and host network
// registration converged with the daemon's state, and exposes the client
// operation surface.
//
// All mutable state is confined to one serialized execution context (see
// loop.go). Client entry points post onto it; daemon and host callbacks are
// marshaled onto it before touching anything.
package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/config"
	"github.com/spin-stack/meshbox/internal/countrycode"
	"github.com/spin-stack/meshbox/internal/mesherr"
	"github.com/spin-stack/meshbox/internal/netreg"
	"github.com/spin-stack/meshbox/internal/nsd"
	"github.com/spin-stack/meshbox/internal/otdaemon"
	"github.com/spin-stack/meshbox/internal/settings"
)

// Radio channel bounds for the 2.4 GHz 802.15.4 band.
const (
	minChannel = 11
	maxChannel = 26
)

// delayTimerTLV is the dataset TLV type carrying the migration delay.
const delayTimerTLV = 0x34

// TunController is the virtual-interface surface the service drives. The
// production implementation lives in internal/tunif.
type TunController interface {
	InterfaceName() string
	CreateInterface() error
	SetInterfaceUp(up bool) error
	UpdateAddresses(infos []otdaemon.AddressInfo)
	OnDaemonDied()
}

// Options wires the service's collaborators.
type Options struct {
	Config   *config.Config
	Store    *settings.Store
	Tun      TunController
	Host     netreg.HostNetworks
	NSD      nsd.Publisher
	Spawner  otdaemon.Spawner
	Metadata otdaemon.DeviceMetadata
}

// Service is the border-router control service.
type Service struct {
	cfg      *config.Config
	store    *settings.Store
	tun      TunController
	nsd      nsd.Publisher
	spawner  otdaemon.Spawner
	meta     otdaemon.DeviceMetadata
	loop     *loop
	registry *Registry

	// Loop-confined from here down.
	netreg          *netreg.Manager
	proxy           *proxy
	country         *countrycode.Resolver
	client          *otdaemon.Client
	proc            otdaemon.Handle
	generation      uint64
	forciblyStopped bool
	restricted      bool
}

// New assembles a service. Start must be called before use.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("config is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("settings store is required")
	case opts.Tun == nil:
		return nil, fmt.Errorf("tun controller is required")
	case opts.Host == nil:
		return nil, fmt.Errorf("host networks facade is required")
	case opts.NSD == nil:
		return nil, fmt.Errorf("nsd publisher is required")
	case opts.Spawner == nil:
		return nil, fmt.Errorf("daemon spawner is required")
	}

	s := &Service{
		cfg:      opts.Config,
		store:    opts.Store,
		tun:      opts.Tun,
		nsd:      opts.NSD,
		spawner:  opts.Spawner,
		meta:     opts.Metadata,
		loop:     newLoop(),
		registry: NewRegistry(),
	}
	s.proxy = newProxy(
		func(up bool) {
			if err := s.tun.SetInterfaceUp(up); err != nil {
				log.L.WithError(err).Error("service: failed to toggle interface")
			}
		},
		func(attached bool) { s.netreg.SetMeshRegistered(attached) },
	)
	s.netreg = netreg.NewManager(
		opts.Config.Network.InterfaceName,
		opts.Host,
		s.pushBorderRouterConfig,
		func(fn func()) { s.loop.Post(fn) },
	)
	s.country = countrycode.NewResolver(opts.Config.Network.DefaultCountryCode, s.pushCountryCode)
	return s, nil
}

// Start creates the virtual interface, issues the upstream network request
// and, when the feature is enabled, connects the daemon. A missing virtual
// interface is fatal; an unreachable daemon is not.
func (s *Service) Start(ctx context.Context) error {
	var err error
	if derr := s.loop.Do(ctx, func() { err = s.start(ctx) }); derr != nil {
		return derr
	}
	return err
}

func (s *Service) start(ctx context.Context) error {
	if err := s.tun.CreateInterface(); err != nil {
		return err
	}
	if err := s.netreg.Start(); err != nil {
		return fmt.Errorf("request upstream network: %w", err)
	}
	if s.store.Get(settings.KeyEnabled) {
		if err := s.connect(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("service: daemon not reachable at startup, will retry on next access")
		}
	}
	return nil
}

// Close shuts the service down: the daemon is asked to terminate, the
// upstream request and mesh registration are withdrawn, and the loop drains.
func (s *Service) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.loop.Do(ctx, func() {
		// Bump the generation so the disconnect from our own teardown is
		// treated as stale instead of triggering death handling.
		s.generation++
		if s.client != nil {
			s.client.Terminate()
			s.client.Close()
			s.proc.Stop()
			s.client = nil
			s.proc = nil
		}
		s.registry.FailAllPending()
		s.netreg.Close()
	})
	s.loop.Close()
}

// post queues a client operation, wrapping done in a one-shot receiver.
func (s *Service) post(done func(error), fn func(rc *Receiver)) {
	if !s.loop.Post(func() { fn(s.registry.NewReceiver(done)) }) {
		done(fmt.Errorf("service stopped: %w", mesherr.ErrUnavailable))
	}
}

// SetEnabled persists the feature toggle and pushes it to the daemon. The
// toggle is persisted before the daemon call so a crash cannot lose an
// acknowledged change. Enabling in restricted mode requires the persisted
// opt-in flag.
func (s *Service) SetEnabled(ctx context.Context, enabled bool, done func(error)) {
	s.post(done, func(rc *Receiver) {
		if enabled && s.restricted && !s.store.Get(settings.KeyEnabledInRestrictedMode) {
			rc.Resolve(fmt.Errorf("restricted connectivity mode: %w", mesherr.ErrFailedPrecondition))
			return
		}
		if err := s.store.Put(settings.KeyEnabled, enabled); err != nil {
			rc.Resolve(fmt.Errorf("%w: %v", mesherr.ErrInternal, err))
			return
		}
		if !enabled && s.client == nil {
			// Nothing running; persisting the flag is the whole job.
			rc.Resolve(nil)
			return
		}
		client, err := s.getClient(ctx)
		if err != nil {
			rc.Resolve(err)
			return
		}
		client.SetThreadEnabled(enabled, rc.Resolve)
	})
}

// Join attaches to the network described by the active dataset.
func (s *Service) Join(ctx context.Context, activeDataset []byte, done func(error)) {
	s.post(done, func(rc *Receiver) {
		if len(activeDataset) == 0 {
			rc.Resolve(fmt.Errorf("empty active dataset: %w", mesherr.ErrFailedPrecondition))
			return
		}
		if !s.store.Get(settings.KeyEnabled) {
			rc.Resolve(fmt.Errorf("cannot join: %w", mesherr.ErrThreadDisabled))
			return
		}
		client, err := s.getClient(ctx)
		if err != nil {
			rc.Resolve(err)
			return
		}
		client.Join(activeDataset, rc.Resolve)
	})
}

// Leave detaches from the current network and wipes its dataset.
func (s *Service) Leave(ctx context.Context, done func(error)) {
	s.post(done, func(rc *Receiver) {
		if !s.store.Get(settings.KeyEnabled) {
			rc.Resolve(fmt.Errorf("cannot leave: %w", mesherr.ErrThreadDisabled))
			return
		}
		client, err := s.getClient(ctx)
		if err != nil {
			rc.Resolve(err)
			return
		}
		client.Leave(rc.Resolve)
	})
}

// ScheduleMigration schedules a move to the given pending dataset after
// delay. The delay-timer entry in the dataset is set (or overwritten) from
// the delay argument.
func (s *Service) ScheduleMigration(ctx context.Context, pendingDataset []byte, delay time.Duration, done func(error)) {
	s.post(done, func(rc *Receiver) {
		if len(pendingDataset) == 0 {
			rc.Resolve(fmt.Errorf("empty pending dataset: %w", mesherr.ErrFailedPrecondition))
			return
		}
		if !s.store.Get(settings.KeyEnabled) {
			rc.Resolve(fmt.Errorf("cannot migrate: %w", mesherr.ErrThreadDisabled))
			return
		}
		dataset, err := withDelayTimer(pendingDataset, delay)
		if err != nil {
			rc.Resolve(fmt.Errorf("pending dataset: %w: %v", mesherr.ErrResponseBadFormat, err))
			return
		}
		client, err := s.getClient(ctx)
		if err != nil {
			rc.Resolve(err)
			return
		}
		client.ScheduleMigration(dataset, rc.Resolve)
	})
}

// ForceStopDaemon is the test-only kill switch. Enabling it stops the
// daemon and blocks reconnection until it is disabled again; the operation
// resolves when the daemon has actually died.
func (s *Service) ForceStopDaemon(ctx context.Context, stop bool, done func(error)) {
	if !s.loop.Post(func() {
		if !stop {
			s.forciblyStopped = false
			done(nil)
			if s.store.Get(settings.KeyEnabled) {
				if err := s.connect(ctx); err != nil {
					log.L.WithError(err).Warn("service: daemon restart after force-stop failed")
				}
			}
			return
		}
		s.forciblyStopped = true
		if s.client == nil {
			done(nil)
			return
		}
		// Death itself is the success signal here; the receiver resolves
		// from the death-handling path.
		s.registry.NewDeathExpectingReceiver(done)
		s.client.Terminate()
		s.proc.Stop()
	}) {
		done(fmt.Errorf("service stopped: %w", mesherr.ErrUnavailable))
	}
}

// ForceCountryCode overrides the regulatory region, or clears the override
// when enabled is false. The effective code is pushed to the daemon when it
// changes.
func (s *Service) ForceCountryCode(ctx context.Context, enabled bool, code string) error {
	var err error
	if derr := s.loop.Do(ctx, func() {
		if enabled {
			err = s.country.SetOverride(code)
		} else {
			s.country.ClearOverride()
		}
	}); derr != nil {
		return derr
	}
	return err
}

// GetCountryCode returns the effective regulatory region and whether it is
// an operator override.
func (s *Service) GetCountryCode(ctx context.Context) (code string, overridden bool, err error) {
	err = s.loop.Do(ctx, func() {
		code = s.country.Get()
		overridden = s.country.IsOverridden()
	})
	return code, overridden, err
}

// GetChannelMasks queries the daemon's supported and preferred channels.
func (s *Service) GetChannelMasks(ctx context.Context) (otdaemon.ChannelMasks, error) {
	var (
		masks otdaemon.ChannelMasks
		err   error
	)
	if derr := s.loop.Do(ctx, func() {
		var client *otdaemon.Client
		client, err = s.getClient(ctx)
		if err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.GetDaemonCall())
		defer cancel()
		masks, err = client.GetChannelMasks(callCtx)
	}); derr != nil {
		return otdaemon.ChannelMasks{}, derr
	}
	return masks, err
}

// SetChannelMaxPowers sets per-channel transmit power limits.
func (s *Service) SetChannelMaxPowers(ctx context.Context, powers []otdaemon.ChannelMaxPower, done func(error)) {
	s.post(done, func(rc *Receiver) {
		for _, p := range powers {
			if p.Channel < minChannel || p.Channel > maxChannel {
				rc.Resolve(fmt.Errorf("channel %d: %w", p.Channel, mesherr.ErrUnsupportedChannel))
				return
			}
		}
		client, err := s.getClient(ctx)
		if err != nil {
			rc.Resolve(err)
			return
		}
		client.SetChannelMaxPowers(powers, rc.Resolve)
	})
}

// RegisterStateListener registers a listener and returns its id. When a
// daemon is connected the id is re-registered with it so the listener gets
// one targeted snapshot reply.
func (s *Service) RegisterStateListener(ctx context.Context, l StateListener) (int64, error) {
	var (
		id  int64
		err error
	)
	if derr := s.loop.Do(ctx, func() {
		id = s.proxy.register(l)
		if s.client != nil {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.GetDaemonCall())
			defer cancel()
			err = s.client.RegisterStateListener(callCtx, id)
		}
	}); derr != nil {
		return 0, derr
	}
	return id, err
}

// UnregisterStateListener removes a listener.
func (s *Service) UnregisterStateListener(ctx context.Context, id int64) error {
	return s.loop.Do(ctx, func() { s.proxy.unregister(id) })
}

// SetTestNetwork forces upstream selection to the named network for
// testing, or reverts to the default filter when name is empty.
func (s *Service) SetTestNetwork(ctx context.Context, name string) error {
	var err error
	if derr := s.loop.Do(ctx, func() { err = s.netreg.SetTestNetwork(name) }); derr != nil {
		return derr
	}
	return err
}

// SetRestrictedMode records whether the device is in restricted
// connectivity mode; enabling the feature while restricted requires the
// persisted opt-in.
func (s *Service) SetRestrictedMode(ctx context.Context, restricted bool) error {
	return s.loop.Do(ctx, func() { s.restricted = restricted })
}

// PendingOperations reports the number of unresolved client operations.
func (s *Service) PendingOperations() int {
	return s.registry.PendingCount()
}

// pushBorderRouterConfig forwards border-router configuration to the live
// daemon. Loop-confined (called by the netreg manager).
func (s *Service) pushBorderRouterConfig(cfg otdaemon.BorderRouterConfig, done func(error)) {
	if s.client == nil {
		done(fmt.Errorf("no daemon: %w", mesherr.ErrUnavailable))
		return
	}
	s.client.ConfigureBorderRouter(cfg, done)
}

// pushCountryCode forwards the effective regulatory region to the live
// daemon. Loop-confined (called by the resolver on change).
func (s *Service) pushCountryCode(code string) {
	if s.client == nil {
		return
	}
	s.client.SetCountryCode(code, func(err error) {
		if err != nil {
			log.L.WithError(err).WithField("code", code).Error("service: daemon rejected country code")
		}
	})
}

// withDelayTimer returns the dataset with its delay-timer entry set to
// delay, appending one if the dataset has none. Entries are length-prefixed
// type/value records; the delay value is milliseconds, big endian.
func withDelayTimer(dataset []byte, delay time.Duration) ([]byte, error) {
	var value [4]byte
	binary.BigEndian.PutUint32(value[:], uint32(delay.Milliseconds()))

	out := make([]byte, 0, len(dataset)+6)
	for i := 0; i < len(dataset); {
		if i+2 > len(dataset) {
			return nil, fmt.Errorf("truncated entry header at offset %d", i)
		}
		typ, length := dataset[i], int(dataset[i+1])
		end := i + 2 + length
		if end > len(dataset) {
			return nil, fmt.Errorf("truncated entry 0x%02x at offset %d", typ, i)
		}
		if typ == delayTimerTLV {
			out = append(out, delayTimerTLV, 4)
			out = append(out, value[:]...)
		} else {
			out = append(out, dataset[i:end]...)
		}
		i = end
	}
	if !hasTLV(out, delayTimerTLV) {
		out = append(out, delayTimerTLV, 4)
		out = append(out, value[:]...)
	}
	return out, nil
}

func hasTLV(dataset []byte, typ byte) bool {
	for i := 0; i+2 <= len(dataset); i += 2 + int(dataset[i+1]) {
		if dataset[i] == typ {
			return true
		}
	}
	return false
}
