package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader(WithEnvPrefix("FHESESSION_TEST_DEFAULTS_")).Load(nil)
	require.NoError(t, err)

	require.Equal(t, "fhevm", cfg.Namespace)
	require.Equal(t, []interfaces.NetworkID{chain.LocalNetworkID}, cfg.NetworkIDs())
	require.Equal(t, chain.DefaultCompatibleClient, cfg.Chain.CompatibleClient)
	require.Equal(t, []string{"memory://"}, cfg.Storage.URIs)
	require.Equal(t, int64(365), cfg.Authorization.DurationDays)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
}

func TestLoad_FileEnvAndOverrides(t *testing.T) {
	path := writeConfig(t, `
namespace: dapp
network_id: 11155111
networks:
  - network_id: 11155111
    rpc_url: https://sepolia.example
    relayer_url: https://relayer.example
    acl_address: "0x687820221192C5B662b25367F70076A37bc79b6c"
    gateway_chain_id: 55815
    verifying_contract_decryption: "0xb6E160B1ff80D67Bfe90A85eE06Ce0A2613607D1"
  - network_id: 31337
simulation:
  "31337": http://127.0.0.1:8545
storage:
  uris:
    - badger:///var/lib/fhevm
    - memory://
authorization:
  duration_days: 10
server:
  listen_addr: 0.0.0.0:9000
`)

	t.Setenv("FHESESSION_TEST_FILE_SERVER__METRICS_ADDR", "0.0.0.0:9100")
	t.Setenv("FHESESSION_TEST_FILE_STORAGE__PASSPHRASE", "hunter2")

	cfg, err := NewLoader(
		WithConfigFile(path),
		WithEnvPrefix("FHESESSION_TEST_FILE_"),
	).Load(map[string]any{"server": map[string]any{"listen_addr": "127.0.0.1:9001"}})
	require.NoError(t, err)

	require.Equal(t, "dapp", cfg.Namespace)
	require.Equal(t, interfaces.NetworkID(11155111), cfg.NetworkID)
	require.Equal(t, []interfaces.NetworkID{11155111, 31337}, cfg.NetworkIDs())

	sepolia := cfg.NetworkConfigs()[11155111]
	require.Equal(t, "https://relayer.example", sepolia.RelayerURL)
	require.Equal(t, uint64(55815), sepolia.GatewayChainID)
	require.Empty(t, cfg.NetworkConfigs()[31337].RPCURL)

	sim, err := cfg.SimulationTable()
	require.NoError(t, err)
	require.Equal(t, map[interfaces.NetworkID]string{31337: "http://127.0.0.1:8545"}, sim)

	locs, err := cfg.StoreLocations()
	require.NoError(t, err)
	require.Len(t, locs, 2)
	require.Equal(t, "badger", locs[0].Scheme)

	require.Equal(t, int64(10), cfg.Authorization.DurationDays)
	require.Equal(t, "hunter2", cfg.Storage.Passphrase)
	require.Equal(t, "0.0.0.0:9100", cfg.Server.MetricsAddr)
	require.Equal(t, "127.0.0.1:9001", cfg.Server.ListenAddr)
	require.Equal(t, int64(45), cfg.Server.DrainSeconds)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate network", "networks:\n  - network_id: 1\n  - network_id: 1\n"},
		{"unknown selection", "network_id: 5\nnetworks:\n  - network_id: 1\n"},
		{"bad simulation id", "simulation:\n  local: http://127.0.0.1:8545\n"},
		{"bad storage", "storage:\n  uris:\n    - ftp://host/path\n"},
		{"non-positive duration", "authorization:\n  duration_days: 0\n"},
		{"empty network set", "networks: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(
				WithConfigFile(writeConfig(t, tt.content)),
				WithEnvPrefix("FHESESSION_TEST_INVALID_"),
			).Load(nil)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))).Load(nil)
	require.Error(t, err)
}

func TestLoad_SelectsSimulatedNetwork(t *testing.T) {
	path := writeConfig(t, "network_id: 1337\nsimulation:\n  \"1337\": http://127.0.0.1:9545\n")
	cfg, err := NewLoader(WithConfigFile(path), WithEnvPrefix("FHESESSION_TEST_SIM_")).Load(nil)
	require.NoError(t, err)
	require.Equal(t, interfaces.NetworkID(1337), cfg.NetworkID)
}
