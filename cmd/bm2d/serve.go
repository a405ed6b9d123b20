package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bun-bm2/bm2/internal/config"
	"github.com/bun-bm2/bm2/internal/daemon"
	"github.com/bun-bm2/bm2/internal/logger"
)

func defaultConfigPath() (string, error) {
	hd, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(hd, ".bm2", "config.yaml"), nil
}

func runServe(configPath string) error {
	if configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}

	var cfg *config.Config
	missingConfig := false
	if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) {
		missingConfig = true
		cfg = &config.Config{}
	} else {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	home, err := daemon.ResolveHome(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", home, err)
	}

	// The daemon's own operational log goes both to the console (colored)
	// and to a lumberjack-rotated file under home.
	fileW := logger.DaemonLogWriter(filepath.Join(home, "bm2d.log"))
	defer fileW.Close()
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	log := slog.New(logger.NewTeeHandler(
		logger.NewColorTextHandler(os.Stderr, opts, true),
		slog.NewTextHandler(fileW, opts),
	))

	if missingConfig {
		log.Warn("serve: no config file found, starting with an empty ecosystem", "path", configPath)
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	log.Info("serve: daemon started", "home", d.Home)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("serve: received signal, shutting down", "signal", sig.String())
	case <-d.KillRequested():
		log.Info("serve: kill requested over ipc, shutting down")
	}

	d.Shutdown()
	log.Info("serve: shutdown complete")
	return nil
}
