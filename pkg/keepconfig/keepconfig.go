// Package keepconfig implements the Configuration component (spec.md
// §3's ConfigurationState, §6's Configuration surface): the
// kill-switch, bunker/relay/proxy settings, and the authorized-client
// set, mutated only through this package so every reader sees the
// latest committed value.
//
// Grounded on the teacher's pkg/config/config.go (env-var loading with
// defaults) and pkg/config/profile_loader.go (YAML loading into a
// typed struct, glob-discovered files); this package offers the same
// two sources as separate constructors, Load (environment) and
// LoadYAML (one file), for a single mutable runtime state object
// instead of a read-only startup profile. They are not layered.
package keepconfig

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SignPolicy is the global default for how aggressively the engine
// prompts, before any per-app/per-kind override in the Permission
// Store narrows it (spec.md §3).
type SignPolicy string

const (
	AskEveryTime    SignPolicy = "ASK_EVERY_TIME"
	AskPerApp       SignPolicy = "ASK_PER_APP"
	AskPerKind      SignPolicy = "ASK_PER_KIND"
	ManualApproval  SignPolicy = "MANUAL_APPROVAL"
)

// MaxRelays bounds BunkerRelays (spec.md §3/§6).
const MaxRelays = 8

// Proxy is the optional outbound proxy; Host must be a loopback
// literal and Port in 1-65535 (spec.md §6).
type Proxy struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Validate enforces spec.md §6's proxy constraint: host must be a
// loopback literal (no DNS resolution is performed — resolving a
// hostname here would make this check TOCTOU-able).
func (p Proxy) Validate() error {
	if !p.Enabled {
		return nil
	}
	ip := net.ParseIP(p.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("keepconfig: proxy host %q is not a loopback literal", p.Host)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("keepconfig: proxy port %d out of range", p.Port)
	}
	return nil
}

// State is the full ConfigurationState (spec.md §3). Snapshot returns
// an immutable copy; Config mutates it under lock.
type State struct {
	BunkerEnabled     bool
	AuthorizedClients map[string]bool // lower-case 64-hex pubkeys
	BunkerRelays      []string        // wss:// URLs, <= MaxRelays
	Proxy             Proxy
	KillSwitchEnabled bool
	GlobalSignPolicy  SignPolicy
}

func (s State) clone() State {
	clients := make(map[string]bool, len(s.AuthorizedClients))
	for k, v := range s.AuthorizedClients {
		clients[k] = v
	}
	relays := append([]string{}, s.BunkerRelays...)
	s.AuthorizedClients = clients
	s.BunkerRelays = relays
	return s
}

// fileState is the YAML-serializable subset of State (the authorized
// client set is operational state, not startup configuration, and is
// loaded/saved separately if persistence is wired in by the host).
type fileState struct {
	BunkerEnabled     bool     `yaml:"bunker_enabled"`
	BunkerRelays      []string `yaml:"bunker_relays"`
	Proxy             Proxy    `yaml:"proxy"`
	KillSwitchEnabled bool     `yaml:"kill_switch_enabled"`
	GlobalSignPolicy  string   `yaml:"global_sign_policy"`
}

// Config is the Configuration component: a mutex-guarded State plus
// env/YAML loading. Mutation methods do not return the new State;
// callers that need it read it back with Snapshot.
type Config struct {
	mu    sync.RWMutex
	state State
}

// Load builds a Config from environment variables with built-in
// defaults, the way the teacher's config.Load does (spec.md has no
// env-var names of its own, so these follow the teacher's KEEPCORE_
// prefix convention for this module).
func Load() *Config {
	relays := splitNonEmpty(os.Getenv("KEEPCORE_BUNKER_RELAYS"), ",")
	if len(relays) > MaxRelays {
		relays = relays[:MaxRelays]
	}

	policy := SignPolicy(os.Getenv("KEEPCORE_GLOBAL_SIGN_POLICY"))
	if policy == "" {
		policy = AskPerApp
	}

	return &Config{
		state: State{
			BunkerEnabled:     os.Getenv("KEEPCORE_BUNKER_ENABLED") == "true",
			AuthorizedClients: make(map[string]bool),
			BunkerRelays:      relays,
			KillSwitchEnabled: os.Getenv("KEEPCORE_KILL_SWITCH") == "true",
			GlobalSignPolicy:  policy,
		},
	}
}

// LoadYAML loads the file-backed subset of state from path, the way
// config.LoadProfile reads a YAML profile by path, and builds a Config
// from the file alone; environment variables are not consulted. The
// authorized-client set starts empty — it is runtime state managed
// via Authorize/Revoke.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keepconfig: read %s: %w", path, err)
	}
	var fs fileState
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("keepconfig: parse %s: %w", path, err)
	}
	if len(fs.BunkerRelays) > MaxRelays {
		return nil, fmt.Errorf("keepconfig: %d relays exceeds max %d", len(fs.BunkerRelays), MaxRelays)
	}
	if err := fs.Proxy.Validate(); err != nil {
		return nil, err
	}
	policy := SignPolicy(fs.GlobalSignPolicy)
	if policy == "" {
		policy = AskPerApp
	}

	c := &Config{
		state: State{
			BunkerEnabled:     fs.BunkerEnabled,
			AuthorizedClients: make(map[string]bool),
			BunkerRelays:      append([]string{}, fs.BunkerRelays...),
			Proxy:             fs.Proxy,
			KillSwitchEnabled: fs.KillSwitchEnabled,
			GlobalSignPolicy:  policy,
		},
	}
	return c, nil
}

// Snapshot returns an immutable copy of the current state (spec.md §3:
// "readers see the latest committed value").
func (c *Config) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// KillSwitchActive is the narrow read the Authorization Engine needs
// for step 1 (spec.md §4.1); exposed separately so the engine doesn't
// need a full Snapshot on every request.
func (c *Config) KillSwitchActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.KillSwitchEnabled
}

// SetKillSwitch toggles the kill-switch.
func (c *Config) SetKillSwitch(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.KillSwitchEnabled = enabled
}

// IsAuthorized reports whether pubkey is in authorized_clients
// (pkg/authz.AuthorizedClients).
func (c *Config) IsAuthorized(pubkey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.AuthorizedClients[pubkey]
}

// Authorize idempotently adds pubkey to authorized_clients (spec.md
// §4.1 step 10, §8 invariant 8).
func (c *Config) Authorize(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AuthorizedClients[pubkey] = true
}

// Revoke removes pubkey from authorized_clients. Removing the
// corresponding Permission Store grants for "nip46:"+pubkey inside the
// same logical transaction is the caller's responsibility (spec.md
// §4.9) — this method only owns the membership set.
func (c *Config) Revoke(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state.AuthorizedClients, pubkey)
}

// SetBunkerEnabled toggles whether the NIP-46 transport is active.
func (c *Config) SetBunkerEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.BunkerEnabled = enabled
}

// SetRelays replaces the relay list, enforcing the MaxRelays cap.
func (c *Config) SetRelays(relays []string) error {
	if len(relays) > MaxRelays {
		return fmt.Errorf("keepconfig: %d relays exceeds max %d", len(relays), MaxRelays)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.BunkerRelays = append([]string{}, relays...)
	return nil
}

// SetProxy validates and replaces the proxy setting.
func (c *Config) SetProxy(p Proxy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Proxy = p
	return nil
}

// SetGlobalSignPolicy replaces the global sign policy default.
func (c *Config) SetGlobalSignPolicy(p SignPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.GlobalSignPolicy = p
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
