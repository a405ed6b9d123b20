// Package daemon wires config, registry, and ipc together into the
// long-running bm2d process: directory layout, startup ordering (resurrect
// before serving), and graceful shutdown on signal or an IPC-requested kill.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bun-bm2/bm2/internal/config"
	"github.com/bun-bm2/bm2/internal/ipc"
	"github.com/bun-bm2/bm2/internal/registry"
)

// Daemon owns one Supervisor and the IPC server in front of it.
type Daemon struct {
	Home string

	sv     *registry.Supervisor
	server *ipc.Server
	cfg    *config.Config
	logger *slog.Logger

	killCh chan struct{}
}

// ResolveHome returns the daemon's home directory: cfg.Home when set,
// $HOME/.bm2 otherwise.
func ResolveHome(cfg *config.Config) (string, error) {
	if cfg.Home != "" {
		return cfg.Home, nil
	}
	hd, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(hd, ".bm2"), nil
}

// New builds a Daemon from a loaded Config. It does not start anything yet.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	home, err := ResolveHome(cfg)
	if err != nil {
		return nil, err
	}
	logDir := filepath.Join(home, "logs")
	pidDir := filepath.Join(home, "pids")
	for _, dir := range []string{home, logDir, pidDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	sv := registry.New(registry.Options{
		LogDir:    logDir,
		PIDDir:    pidDir,
		GlobalEnv: cfg.GlobalEnv,
		Logger:    logger,
	})

	sockPath := filepath.Join(home, "daemon.sock")
	pidPath := filepath.Join(home, "daemon.pid")
	dumpPath := filepath.Join(home, "dump.json")
	server := ipc.New(sockPath, pidPath, dumpPath, sv, logger)

	d := &Daemon{
		Home:   home,
		sv:     sv,
		server: server,
		cfg:    cfg,
		logger: logger,
		killCh: make(chan struct{}, 1),
	}
	server.OnKill = func() {
		select {
		case d.killCh <- struct{}{}:
		default:
		}
	}
	return d, nil
}

// DumpPath is the declarative snapshot file used by Save/Resurrect.
func (d *Daemon) DumpPath() string {
	return filepath.Join(d.Home, "dump.json")
}

// Start brings the supervisor and IPC listener online. EnsureNotRunning is
// checked first so a second `bm2d serve` against the same home directory
// fails fast instead of fighting the first instance over the socket.
func (d *Daemon) Start() error {
	if err := d.server.EnsureNotRunning(); err != nil {
		return err
	}
	d.sv.Run()

	dumpPath := d.DumpPath()
	if entries, err := d.sv.Resurrect(dumpPath); err != nil {
		d.logger.Warn("daemon: resurrect failed, starting from config only", "error", err)
	} else if len(entries) > 0 {
		d.logger.Info("daemon: resurrected services from dump", "count", len(entries))
	}
	if len(d.cfg.Specs) > 0 {
		started := d.sv.Ecosystem(d.cfg.Specs)
		d.logger.Info("daemon: started services from config", "count", len(started))
	}

	if err := d.server.Start(); err != nil {
		d.sv.Shutdown()
		return fmt.Errorf("start ipc server: %w", err)
	}
	return nil
}

// KillRequested fires when an IPC "kill" request lands.
func (d *Daemon) KillRequested() <-chan struct{} {
	return d.killCh
}

// Shutdown saves the current registry state, stops every supervised child,
// and tears down the IPC listener and the supervisor's background loops, in
// that order, so a subsequent resurrect sees a dump taken while every child
// was still alive.
func (d *Daemon) Shutdown() {
	if err := d.sv.Save(d.DumpPath()); err != nil {
		d.logger.Warn("daemon: save dump failed", "error", err)
	}
	if _, err := d.sv.Stop("all"); err != nil {
		d.logger.Warn("daemon: stop all failed", "error", err)
	}
	d.server.Stop()
	d.sv.Shutdown()
}
