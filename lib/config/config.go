// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for flotillad.
//
// Configuration is loaded from a single YAML file specified by:
//   - FLOTILLA_CONFIG environment variable, or
//   - --config flag passed to the daemon
//
// There are no fallbacks or automatic discovery, and environment
// variables never override config values. The only expansion performed
// is ${VAR} and ${VAR:-default} inside path fields, for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for flotillad.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Ports configures the agent port range.
	Ports PortsConfig `yaml:"ports"`

	// Proxy configures the managed reverse proxy.
	Proxy ProxyConfig `yaml:"proxy"`

	// Watchdog configures crash-loop detection.
	Watchdog WatchdogConfig `yaml:"watchdog"`

	// Reconcile configures the reconciliation loop.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Manifest configures template approval.
	Manifest ManifestConfig `yaml:"manifest"`

	// Exchange configures bootstrap credential sealing.
	Exchange ExchangeConfig `yaml:"exchange"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for flotilla data.
	Root string `yaml:"root"`

	// Agents is where per-agent directories (unit file, data, logs)
	// are created.
	Agents string `yaml:"agents"`

	// Archives is where deleted agents' directories are archived.
	Archives string `yaml:"archives"`

	// State is where runtime state is stored, including the fleet
	// snapshot and the daemon lock file.
	State string `yaml:"state"`

	// Templates is the directory containing agent template files.
	Templates string `yaml:"templates"`

	// Socket is the control socket path.
	Socket string `yaml:"socket"`
}

// PortsConfig configures the host port range agents are allocated
// from.
type PortsConfig struct {
	// Start is the first allocatable port (inclusive).
	Start int `yaml:"start"`

	// End is the last allocatable port (inclusive).
	End int `yaml:"end"`

	// Reserved lists ports inside the range that are never allocated.
	Reserved []int `yaml:"reserved"`
}

// ProxyConfig configures the managed reverse proxy.
type ProxyConfig struct {
	// ConfigFile is the rendered proxy configuration path. The proxy
	// container bind-mounts this single file as its main configuration;
	// deploys rewrite it in place so the mounted inode never changes.
	ConfigFile string `yaml:"config_file"`

	// Container is the proxy container name, used for exec-based
	// syntax checking and reload.
	Container string `yaml:"container"`

	// UIUpstream is the host:port of the fleet UI.
	UIUpstream string `yaml:"ui_upstream"`

	// ManagerUpstream is the host:port of the management API.
	ManagerUpstream string `yaml:"manager_upstream"`

	// AgentHost is the address agent upstreams are reached at.
	// Default: 127.0.0.1
	AgentHost string `yaml:"agent_host"`
}

// WatchdogConfig configures crash-loop detection. Durations are
// strings in time.ParseDuration syntax.
type WatchdogConfig struct {
	// Interval between container state polls. Default: 30s
	Interval string `yaml:"interval"`

	// Window is the sliding window crashes are counted in.
	// Default: 10m
	Window string `yaml:"window"`

	// Threshold is the in-window crash count that stops a container.
	// Default: 3
	Threshold int `yaml:"threshold"`
}

// ReconcileConfig configures the reconciliation loop.
type ReconcileConfig struct {
	// Interval between reconcile passes. Default: 5m
	Interval string `yaml:"interval"`

	// PullImages refreshes agent images on each pass.
	PullImages bool `yaml:"pull_images"`
}

// ManifestConfig configures template approval.
type ManifestConfig struct {
	// Path is the signed template manifest file. A missing or invalid
	// manifest means no template is pre-approved.
	Path string `yaml:"path"`

	// AuthorityPublicKey is the base64 ed25519 key that per-request
	// approval signatures are verified against. Empty disables
	// per-request approvals.
	AuthorityPublicKey string `yaml:"authority_public_key"`
}

// ExchangeConfig configures bootstrap credential sealing.
type ExchangeConfig struct {
	// Dir is the shared credential-exchange directory mounted into
	// agent containers.
	Dir string `yaml:"dir"`

	// Recipients are age public keys sealed tokens are encrypted to.
	// Empty disables token provisioning.
	Recipients []string `yaml:"recipients"`
}

// Default returns the default configuration. These defaults are a base
// for the loaded file, not a substitute for it.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "flotilla")

	return &Config{
		Paths: PathsConfig{
			Root:      defaultRoot,
			Agents:    filepath.Join(defaultRoot, "agents"),
			Archives:  filepath.Join(defaultRoot, "archives"),
			State:     filepath.Join(defaultRoot, "state"),
			Templates: filepath.Join(defaultRoot, "templates"),
			Socket:    filepath.Join(defaultRoot, "state", "flotillad.sock"),
		},
		Ports: PortsConfig{
			Start: 30000,
			End:   30999,
		},
		Proxy: ProxyConfig{
			ConfigFile:      filepath.Join(defaultRoot, "proxy", "flotilla.conf"),
			Container:       "flotilla-proxy",
			UIUpstream:      "127.0.0.1:3000",
			ManagerUpstream: "127.0.0.1:9100",
			AgentHost:       "127.0.0.1",
		},
		Watchdog: WatchdogConfig{
			Interval:  "30s",
			Window:    "10m",
			Threshold: 3,
		},
		Reconcile: ReconcileConfig{
			Interval:   "5m",
			PullImages: false,
		},
		Manifest: ManifestConfig{
			Path: filepath.Join(defaultRoot, "templates", "manifest.json"),
		},
		Exchange: ExchangeConfig{
			Dir: filepath.Join(defaultRoot, "exchange"),
		},
	}
}

// Load loads configuration from the FLOTILLA_CONFIG environment
// variable. There is no fallback: if the variable is unset, Load
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("FLOTILLA_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FLOTILLA_CONFIG environment variable not set; " +
			"set it to the path of your flotilla.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields only.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"FLOTILLA_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["FLOTILLA_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Agents = expandVars(c.Paths.Agents, vars)
	c.Paths.Archives = expandVars(c.Paths.Archives, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Templates = expandVars(c.Paths.Templates, vars)
	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Proxy.ConfigFile = expandVars(c.Proxy.ConfigFile, vars)
	c.Manifest.Path = expandVars(c.Manifest.Path, vars)
	c.Exchange.Dir = expandVars(c.Exchange.Dir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.Templates == "" {
		errs = append(errs, fmt.Errorf("paths.templates is required"))
	}

	if c.Ports.Start <= 0 || c.Ports.Start > 65535 {
		errs = append(errs, fmt.Errorf("ports.start %d out of range", c.Ports.Start))
	}
	if c.Ports.End <= 0 || c.Ports.End > 65535 {
		errs = append(errs, fmt.Errorf("ports.end %d out of range", c.Ports.End))
	}
	if c.Ports.Start > c.Ports.End {
		errs = append(errs, fmt.Errorf("ports.start %d exceeds ports.end %d", c.Ports.Start, c.Ports.End))
	}
	for _, port := range c.Ports.Reserved {
		if port < c.Ports.Start || port > c.Ports.End {
			errs = append(errs, fmt.Errorf("reserved port %d outside range %d-%d",
				port, c.Ports.Start, c.Ports.End))
		}
	}

	if c.Proxy.ConfigFile == "" {
		errs = append(errs, fmt.Errorf("proxy.config_file is required"))
	}
	if c.Proxy.Container == "" {
		errs = append(errs, fmt.Errorf("proxy.container is required"))
	}

	if _, err := c.WatchdogInterval(); err != nil {
		errs = append(errs, fmt.Errorf("watchdog.interval: %w", err))
	}
	if _, err := c.WatchdogWindow(); err != nil {
		errs = append(errs, fmt.Errorf("watchdog.window: %w", err))
	}
	if c.Watchdog.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("watchdog.threshold must be positive"))
	}
	if _, err := c.ReconcileInterval(); err != nil {
		errs = append(errs, fmt.Errorf("reconcile.interval: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// WatchdogInterval returns the parsed watchdog poll interval.
func (c *Config) WatchdogInterval() (time.Duration, error) {
	return time.ParseDuration(c.Watchdog.Interval)
}

// WatchdogWindow returns the parsed crash window.
func (c *Config) WatchdogWindow() (time.Duration, error) {
	return time.ParseDuration(c.Watchdog.Window)
}

// ReconcileInterval returns the parsed reconcile interval.
func (c *Config) ReconcileInterval() (time.Duration, error) {
	return time.ParseDuration(c.Reconcile.Interval)
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Agents,
		c.Paths.Archives,
		c.Paths.State,
		c.Paths.Templates,
		c.Exchange.Dir,
		filepath.Dir(c.Proxy.ConfigFile),
		filepath.Dir(c.Paths.Socket),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
