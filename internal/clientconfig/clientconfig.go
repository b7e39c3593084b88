// Package clientconfig handles gatewayctl's CLI context configuration.
//
// Config is stored at $XDG_CONFIG_HOME/gatewayctl/config.yaml (defaults to
// ~/.config/gatewayctl/config.yaml) and follows the kubeconfig pattern:
// named contexts with a current-context selector.
package clientconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Context describes how to reach a gatewayd API.
type Context struct {
	Address string `yaml:"address"`         // "ip:port" or base URL
	Token   string `yaml:"token,omitempty"` // shared API token
}

// URL returns the dial target for this context, normalized to carry a
// scheme — gatewayd's own --listen flag accepts bare "host:port" (see
// cmd/gatewayd), so contexts saved by copy-pasting a --listen value need
// the same normalization the REST client applies.
func (c Context) URL() string {
	return NormalizeAddress(c.Address)
}

// Redacted returns a copy of c with Token masked, for anywhere a context is
// printed (e.g. `gatewayctl context list`) — unlike the daemon-SSH contexts
// this is adapted from, a Context here carries a bearer secret, not just a
// dial target.
func (c Context) Redacted() Context {
	if c.Token != "" {
		c.Token = "<redacted>"
	}
	return c
}

// NormalizeAddress prefixes addr with "http://" if it has no URL scheme,
// so both --address flags and saved contexts accept a bare "host:port".
func NormalizeAddress(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" {
		return addr
	}
	return "http://" + addr
}

// Config holds named daemon contexts and the current selection.
type Config struct {
	CurrentContext string             `yaml:"current-context"`
	Contexts       map[string]Context `yaml:"contexts"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/gatewayctl/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "gatewayctl", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "gatewayctl", "config.yaml")
}

// Load reads the config file. If the file does not exist, an empty
// Config is returned (not an error).
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Contexts: make(map[string]Context)}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]Context)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Current returns the current context name and value. The bool is false
// when no current context is set.
func (c *Config) Current() (string, Context, bool) {
	if c.CurrentContext == "" {
		return "", Context{}, false
	}
	ctx, ok := c.Contexts[c.CurrentContext]
	if !ok {
		return "", Context{}, false
	}
	return c.CurrentContext, ctx, true
}

// Use sets the current context. It returns an error if the name doesn't exist.
func (c *Config) Use(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// Set adds or updates a named context. Address is required — an empty one
// would otherwise resolve to "http://" at request time (NormalizeAddress),
// producing a confusing connection-refused far from the actual mistake.
func (c *Config) Set(name string, ctx Context) error {
	if ctx.Address == "" {
		return fmt.Errorf("context %q: address must not be empty", name)
	}
	c.Contexts[name] = ctx
	return nil
}

// Remove deletes a context. If it was the current context, current-context
// is cleared. Returns an error if the name doesn't exist.
func (c *Config) Remove(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}
