package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/daemon"
)

// newFlagSet returns a flag set that reports errors instead of printing
// them, with the --config flag every command accepts.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	return fs, configFlag
}

// resolveConfigFileErr finds and loads the config named by configFlag.
// An explicit path must exist; otherwise a missing file falls back to
// the defaults rooted at the default config directory. The returned
// path is empty in that case.
func resolveConfigFileErr(configFlag string) (string, *config.Config, error) {
	cfgFile, err := config.FindConfigFile(configFlag)
	if err != nil {
		if configFlag != "" || !errors.Is(err, config.ErrConfigNotFound) {
			return "", nil, fmt.Errorf("config error: %w", err)
		}
		dir, derr := config.DefaultConfigDir()
		if derr != nil {
			return "", nil, fmt.Errorf("config error: %w", derr)
		}
		cfg := config.Default()
		config.ResolveConfigPaths(cfg, dir)
		return "", cfg, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", nil, fmt.Errorf("config error: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
	return cfgFile, cfg, nil
}

// daemonClient connects to the daemon named by the resolved config.
func daemonClient(configFlag string) (*daemon.Client, error) {
	_, cfg, err := resolveConfigFileErr(configFlag)
	if err != nil {
		return nil, err
	}
	client, err := daemon.NewClient(cfg.Daemon.SocketPath, cfg.Daemon.CookiePath)
	if err != nil {
		if errors.Is(err, daemon.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w (start it with 'parley daemon')", err)
		}
		return nil, err
	}
	return client, nil
}
