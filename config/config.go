// Package config loads the session daemon configuration from a YAML file,
// FHESESSION_ environment variables and command line overrides, in that
// order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/interfaces"
)

// DefaultEnvPrefix is the environment variable prefix. A double underscore
// separates sections: FHESESSION_SERVER__LISTEN_ADDR sets server.listen_addr.
const DefaultEnvPrefix = "FHESESSION_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Namespace string `koanf:"namespace"`
	// NetworkID is the network selected before anything is rehydrated. Zero
	// selects the first network.
	NetworkID interfaces.NetworkID `koanf:"network_id"`

	Networks   []interfaces.NetworkConfig `koanf:"networks"`
	Simulation map[string]string          `koanf:"simulation"`

	Chain         ChainConfig         `koanf:"chain"`
	Storage       StorageConfig       `koanf:"storage"`
	Authorization AuthorizationConfig `koanf:"authorization"`
	Server        ServerConfig        `koanf:"server"`
}

type ChainConfig struct {
	// CompatibleClient must appear in web3_clientVersion of simulated nodes.
	CompatibleClient string `koanf:"compatible_client"`
}

type StorageConfig struct {
	// URIs are the stores the session persists to. More than one builds a
	// multi-store that writes everywhere and reads from the first available.
	URIs []string `koanf:"uris"`
	// Passphrase, when set, encrypts every stored value.
	Passphrase string `koanf:"passphrase"`
	Salt       string `koanf:"salt"`
}

type AuthorizationConfig struct {
	DurationDays int64 `koanf:"duration_days"`
}

type ServerConfig struct {
	ListenAddr   string `koanf:"listen_addr"`
	MetricsAddr  string `koanf:"metrics_addr"`
	DrainSeconds int64  `koanf:"drain_seconds"`
	EnablePprof  bool   `koanf:"pprof"`
}

// Defaults are the values of keys no source sets. They are loaded as the
// lowest priority source so that lists are replaced, not merged.
func Defaults() map[string]any {
	return map[string]any{
		"namespace": "fhevm",
		"networks": []any{
			map[string]any{"network_id": uint64(chain.LocalNetworkID), "rpc_url": chain.LocalEndpointURL},
		},
		"chain": map[string]any{"compatible_client": chain.DefaultCompatibleClient},
		"storage": map[string]any{
			"uris": []any{"memory://"},
			"salt": "fhevm-session",
		},
		"authorization": map[string]any{"duration_days": int64(365)},
		"server": map[string]any{
			"listen_addr":   "127.0.0.1:8080",
			"metrics_addr":  "127.0.0.1:8090",
			"drain_seconds": int64(45),
		},
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidConfig)
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("%w: no networks", ErrInvalidConfig)
	}
	seen := make(map[interfaces.NetworkID]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.NetworkID == 0 {
			return fmt.Errorf("%w: network without network_id", ErrInvalidConfig)
		}
		if seen[n.NetworkID] {
			return fmt.Errorf("%w: network %d listed twice", ErrInvalidConfig, n.NetworkID)
		}
		seen[n.NetworkID] = true
	}
	if c.NetworkID != 0 && !seen[c.NetworkID] {
		if _, ok := c.Simulation[c.NetworkID.String()]; !ok {
			return fmt.Errorf("%w: selected network %d is not configured", ErrInvalidConfig, c.NetworkID)
		}
	}
	if _, err := c.SimulationTable(); err != nil {
		return err
	}
	if _, err := c.StoreLocations(); err != nil {
		return err
	}
	if c.Authorization.DurationDays <= 0 {
		return fmt.Errorf("%w: authorization duration must be positive", ErrInvalidConfig)
	}
	return nil
}

// NetworkIDs returns the network set in configuration order.
func (c *Config) NetworkIDs() []interfaces.NetworkID {
	ids := make([]interfaces.NetworkID, len(c.Networks))
	for i, n := range c.Networks {
		ids[i] = n.NetworkID
	}
	return ids
}

// NetworkConfigs indexes the production configs by network id.
func (c *Config) NetworkConfigs() map[interfaces.NetworkID]interfaces.NetworkConfig {
	out := make(map[interfaces.NetworkID]interfaces.NetworkConfig, len(c.Networks))
	for _, n := range c.Networks {
		out[n.NetworkID] = n
	}
	return out
}

// SimulationTable parses the simulation entries, keyed by decimal network id,
// over the built-in local development node.
func (c *Config) SimulationTable() (map[interfaces.NetworkID]string, error) {
	out := map[interfaces.NetworkID]string{chain.LocalNetworkID: chain.LocalEndpointURL}
	for key, url := range c.Simulation {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: simulation network id %q: %v", ErrInvalidConfig, key, err)
		}
		if url == "" {
			return nil, fmt.Errorf("%w: simulation network %d has no endpoint", ErrInvalidConfig, id)
		}
		out[interfaces.NetworkID(id)] = url
	}
	return out, nil
}

// StoreLocations parses the storage URIs.
func (c *Config) StoreLocations() ([]interfaces.StoreLocation, error) {
	if len(c.Storage.URIs) == 0 {
		return nil, fmt.Errorf("%w: no storage configured", ErrInvalidConfig)
	}
	locs := make([]interfaces.StoreLocation, 0, len(c.Storage.URIs))
	for _, uri := range c.Storage.URIs {
		loc, err := interfaces.NewStoreLocation(strings.TrimSpace(uri))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// Loader loads configuration from multiple sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader creates a configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file and the environment, applies overrides and returns the
// validated configuration.
func (l *Loader) Load(overrides map[string]any) (*Config, error) {
	if err := l.k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load file %s: %w", l.filePath, err)
		}
	}

	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(mapProvider(overrides), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps FHESESSION_SERVER__LISTEN_ADDR to server.listen_addr.
func (l *Loader) envKey(s string) string {
	s = strings.TrimPrefix(s, l.envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// mapProvider feeds an in-memory map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
