// Command inputlockctl is the command-line client for inputlockd.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inputlockd/internal/broadcast"
	"inputlockd/internal/config"
	"inputlockd/internal/hotkey"
	"inputlockd/internal/ipc"
	"inputlockd/internal/lock"
	"inputlockd/internal/logging"
	"inputlockd/internal/settings"
)

const version = "1.0.0"

func main() {
	var (
		configPath = flag.String("config", "", "config file path")
		socketPath = flag.String("socket", "", "override the IPC socket path")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}

	clientCfg := ipc.ClientConfig{
		SocketPath:    cfg.IPC.SocketPath,
		ClientName:    "inputlockctl",
		ClientVersion: version,
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "status":
		err = cmdStatus(clientCfg)
	case "permission":
		err = cmdPermission(clientCfg)
	case "lock":
		err = cmdLock(clientCfg, cfg, args)
	case "unlock":
		err = cmdUnlock(clientCfg)
	case "watch":
		err = cmdWatch(clientCfg, args)
	case "set-hotkey":
		err = cmdSetHotkey(cfg, args)
	case "set-timeout":
		err = cmdSetTimeout(cfg, args)
	case "settings":
		err = cmdSettings(cfg)
	case "version":
		fmt.Printf("inputlockctl %s\n", version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: inputlockctl [flags] <command> [args]

Commands:
  status                  show the current lock state
  permission              show whether the daemon can intercept input
  lock [-t dur] [-k combo]
                          acquire the input lock; -t sets an auto-release
                          timeout, -k overrides the release hotkey
  unlock                  release the input lock
  watch [-bus]            stream lock state changes until interrupted;
                          -bus observes D-Bus signals instead of IPC
  set-hotkey <combo>      persist the release hotkey (e.g. ctrl+alt+l)
  set-timeout <dur|off>   persist the auto-release timeout
  settings                print the persisted lock settings
  version                 print version

Flags:
`)
	flag.PrintDefaults()
}

func fatal(err error) {
	if errors.Is(err, ipc.ErrServiceUnavailable) {
		fmt.Fprintln(os.Stderr, "inputlockctl: cannot reach inputlockd, is the daemon running?")
	} else {
		fmt.Fprintf(os.Stderr, "inputlockctl: %v\n", err)
	}
	os.Exit(1)
}

func cmdStatus(cfg ipc.ClientConfig) error {
	st, err := ipc.Status(cfg)
	if err != nil {
		return err
	}
	if !st.Locked {
		fmt.Println("unlocked")
		return nil
	}
	fmt.Printf("locked since %s\n", st.LockedAt.Format(time.RFC3339))
	if st.ReleaseHotkey != "" {
		fmt.Printf("release hotkey: %s\n", st.ReleaseHotkey)
	}
	if !st.AutoReleaseDeadline.IsZero() {
		fmt.Printf("auto-release at: %s (in %s)\n",
			st.AutoReleaseDeadline.Format(time.RFC3339),
			time.Until(st.AutoReleaseDeadline).Round(time.Second))
	}
	return nil
}

func cmdPermission(cfg ipc.ClientConfig) error {
	p, err := ipc.PermissionStatus(cfg)
	if err != nil {
		return err
	}
	if p.Granted {
		fmt.Println("input interception permission: granted")
		return nil
	}
	fmt.Println("input interception permission: not granted")
	if p.Reason != "" {
		fmt.Printf("reason: %s\n", p.Reason)
	}
	return nil
}

func cmdLock(cfg ipc.ClientConfig, appCfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	timeout := fs.Duration("t", 0, "auto-release timeout (0 = hold until released)")
	combo := fs.String("k", "", "release hotkey override (e.g. ctrl+alt+l)")
	fs.Parse(args)

	s, err := loadSettings(appCfg)
	if err != nil {
		return err
	}
	if *combo != "" {
		hk, err := hotkey.Parse(*combo)
		if err != nil {
			return err
		}
		s.ReleaseHotkey = hk
	}
	if *timeout > 0 {
		if *timeout < time.Second {
			return errors.New("timeout must be at least one second")
		}
		s.AutoRelease = lock.Timed(*timeout)
	}

	resp, err := ipc.Lock(cfg, s)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrAlreadyLocked):
			return errors.New("input is already locked")
		case errors.Is(err, lock.ErrPermissionDenied):
			return errors.New("daemon lacks the input interception permission; run 'inputlockctl permission'")
		}
		return err
	}

	fmt.Printf("input locked; press %s to release\n", s.ReleaseHotkey)
	if !resp.AutoReleaseDeadline.IsZero() {
		fmt.Printf("auto-release at %s\n", resp.AutoReleaseDeadline.Format(time.RFC3339))
	}
	return nil
}

func cmdUnlock(cfg ipc.ClientConfig) error {
	wasLocked, err := ipc.ForceUnlock(cfg)
	if err != nil {
		return err
	}
	if wasLocked {
		fmt.Println("input unlocked")
	} else {
		fmt.Println("input was not locked")
	}
	return nil
}

func cmdWatch(cfg ipc.ClientConfig, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	useBus := fs.Bool("bus", false, "observe D-Bus signals instead of the IPC event stream")
	fs.Parse(args)

	if *useBus {
		return watchBus()
	}

	session, err := ipc.StartSession(cfg, func(ev ipc.StateEvent) {
		state := "unlocked"
		if ev.Locked {
			state = "locked"
		}
		fmt.Printf("%s  %s\n", ev.Timestamp.Format(time.RFC3339), state)
	})
	if err != nil {
		return err
	}
	defer session.Close()

	st, err := session.Status()
	if err != nil {
		return err
	}
	state := "unlocked"
	if st.Locked {
		state = "locked"
	}
	fmt.Printf("current state: %s\n", state)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

// watchBus observes the daemon's session-bus signals. Works without an
// authorized IPC connection.
func watchBus() error {
	token, err := broadcast.Subscribe(func(locked bool) {
		state := "unlocked"
		if locked {
			state = "locked"
		}
		fmt.Printf("%s  %s\n", time.Now().Format(time.RFC3339), state)
	}, logging.Default())
	if err != nil {
		return err
	}
	defer token.Cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func cmdSetHotkey(appCfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: inputlockctl set-hotkey <combo>")
	}
	hk, err := hotkey.Parse(args[0])
	if err != nil {
		return err
	}

	return updateSettings(appCfg, func(s *lock.Settings) {
		s.ReleaseHotkey = hk
	})
}

func cmdSetTimeout(appCfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: inputlockctl set-timeout <duration|off>")
	}

	var policy lock.AutoRelease
	if args[0] != "off" {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}
		if d < time.Second {
			return errors.New("timeout must be at least one second")
		}
		policy = lock.Timed(d)
	}

	return updateSettings(appCfg, func(s *lock.Settings) {
		s.AutoRelease = policy
	})
}

func cmdSettings(appCfg *config.Config) error {
	s, err := loadSettings(appCfg)
	if err != nil {
		return err
	}
	fmt.Printf("release hotkey:    %s\n", s.ReleaseHotkey)
	if s.AutoRelease.Enabled {
		fmt.Printf("auto-release:      %s\n", s.AutoRelease.Duration())
	} else {
		fmt.Println("auto-release:      off")
	}
	fmt.Printf("notify on release: %v\n", s.NotifyOnRelease)
	return nil
}

func loadSettings(appCfg *config.Config) (lock.Settings, error) {
	store, err := settings.Open(appCfg.Settings.StorePath, logging.Default())
	if err != nil {
		return lock.Settings{}, err
	}
	defer store.Close()
	return store.Get()
}

func updateSettings(appCfg *config.Config, apply func(*lock.Settings)) error {
	store, err := settings.Open(appCfg.Settings.StorePath, logging.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Get()
	if err != nil {
		return err
	}
	apply(&s)
	if err := store.Put(s); err != nil {
		return err
	}
	fmt.Println("settings updated")
	return nil
}
