//go:build linux

// meshboxd is the border-router control daemon: it supervises the mesh
// daemon process, keeps the virtual mesh interface and host networking
// state converged, and serves the meshboxctl control socket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/meshbox/internal/config"
	"github.com/spin-stack/meshbox/internal/ctl"
	"github.com/spin-stack/meshbox/internal/netreg"
	"github.com/spin-stack/meshbox/internal/nsd"
	"github.com/spin-stack/meshbox/internal/otdaemon"
	"github.com/spin-stack/meshbox/internal/service"
	"github.com/spin-stack/meshbox/internal/settings"
	"github.com/spin-stack/meshbox/internal/tunif"
	"github.com/spin-stack/meshbox/internal/version"
)

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.BoolVar(&debug, "debug", false, "debug log level")
	flag.Parse()

	if debug {
		_ = log.SetLevel("debug")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.L.WithError(err).Fatal("failed to load configuration")
	}

	for _, p := range []string{cfg.Paths.DaemonSocket, cfg.Paths.ControlSocket} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			log.L.WithError(err).Fatal("failed to create runtime directory")
		}
	}

	store, err := settings.Open(cfg.Paths.StateDir, settings.Defaults{
		Enabled: cfg.Network.DefaultEnabled,
	})
	if err != nil {
		log.L.WithError(err).Fatal("failed to open settings store")
	}
	defer store.Close()

	svc, err := service.New(service.Options{
		Config: cfg,
		Store:  store,
		Tun:    tunif.NewController(cfg.Network.InterfaceName, tunif.NewKernelOps()),
		Host:   netreg.NewStaticHost(cfg.Network.UpstreamInterface),
		NSD:    nsd.NewRegistry(),
		Spawner: &otdaemon.BinarySpawner{
			Launcher:    &otdaemon.BinaryLauncher{Path: cfg.Paths.DaemonBinary},
			SocketPath:  cfg.Paths.DaemonSocket,
			DialTimeout: cfg.Timeouts.GetDaemonDial(),
		},
		Metadata: otdaemon.DeviceMetadata{
			Vendor:  "meshbox",
			Model:   "border-router",
			Version: version.Short(),
		},
	})
	if err != nil {
		log.L.WithError(err).Fatal("failed to assemble service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.L.WithError(err).Fatal("failed to start service")
	}

	srv, err := ctl.NewServer(cfg.Paths.ControlSocket, svc)
	if err != nil {
		log.L.WithError(err).Fatal("failed to open control socket")
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.L.WithError(err).Error("control server failed")
			stop()
		}
	}()

	log.L.WithFields(log.Fields{
		"socket":  cfg.Paths.ControlSocket,
		"iface":   cfg.Network.InterfaceName,
		"version": version.Info(),
	}).Info("meshboxd started")

	<-ctx.Done()
	log.L.Info("shutting down")
	srv.Close()
	svc.Close()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Get()
}
