// Command inputlockd is the privileged input lock daemon. It owns the
// platform capture tap exclusively and exposes lock operations to
// authorized local clients over a unix socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inputlockd/internal/authz"
	"inputlockd/internal/broadcast"
	"inputlockd/internal/capture"
	"inputlockd/internal/config"
	"inputlockd/internal/ipc"
	"inputlockd/internal/lock"
	"inputlockd/internal/logging"
	"inputlockd/internal/security"
	"inputlockd/internal/settings"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inputlockd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "config file path (default: platform config dir)")
		socketPath  = flag.String("socket", "", "override the IPC socket path")
		logLevel    = flag.String("log-level", "", "override the log level (debug, info, warn, error)")
		relaxed     = flag.Bool("relaxed", false, "use the relaxed authorization policy (development)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("inputlockd %s\n", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}
	if *relaxed {
		cfg.Authorization.Mode = config.ModeRelaxed
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logCfg, err := cfg.Logging.ToLogging()
	if err != nil {
		return err
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	security.Harden(log)
	log.Info("starting inputlockd", "version", version, "socket", cfg.IPC.SocketPath)

	tap := capture.New()
	if ok, reason := tap.Available(); !ok {
		// Start anyway: clients can query permission state and the
		// operator can grant the privilege without a restart race.
		log.Warn("input capture not available at startup", "reason", reason)
	}

	machine := lock.New(tap, log)
	defer machine.Close()

	manifest, err := authz.LoadManifest(cfg.Authorization.ManifestPath)
	if err != nil {
		return fmt.Errorf("load caller manifest: %w", err)
	}
	var policy authz.Policy
	switch cfg.Authorization.Mode {
	case config.ModeRelaxed:
		log.Warn("relaxed authorization in effect, binary signatures are not verified")
		policy = authz.NewRelaxedPolicy(manifest)
	default:
		policy, err = authz.NewHardenedPolicy(manifest)
		if err != nil {
			return fmt.Errorf("hardened policy: %w", err)
		}
	}
	authorizer := authz.New(policy, log)

	store, err := settings.Open(cfg.Settings.StorePath, log)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer store.Close()

	var broadcaster *broadcast.Broadcaster
	if cfg.Broadcast.Enabled {
		broadcaster, err = broadcast.NewBroadcaster(log)
		if err != nil {
			return fmt.Errorf("state broadcaster: %w", err)
		}
		defer broadcaster.Close()
	}

	handler := ipc.NewLockHandler(machine, store, log)
	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.IPC.SocketPath,
		Version:    version,
	}, handler, authorizer, log)
	if err != nil {
		return err
	}

	machine.OnStateChanged(func(locked bool, at time.Time) {
		server.Broadcast(locked, at)
		broadcaster.Broadcast(locked)
	})
	machine.OnReleaseHotkey(func() {
		log.Info("release hotkey detected")
	})

	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	// The lock must never outlive the daemon: a crash-restart cycle
	// with input still grabbed would brick the session.
	machine.Unlock()
	return nil
}
