package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/fhevm-session/common"
	"github.com/ruteri/fhevm-session/config"
	"github.com/ruteri/fhevm-session/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadConfig loads the configuration file and environment, with the flags
// the user set taking precedence.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	overrides := map[string]any{}
	server := map[string]any{}

	if cCtx.IsSet(NamespaceFlag.Name) {
		overrides["namespace"] = cCtx.String(NamespaceFlag.Name)
	}
	if cCtx.IsSet(NetworkIDFlag.Name) {
		overrides["network_id"] = cCtx.Uint64(NetworkIDFlag.Name)
	}
	if cCtx.IsSet(StorageFlag.Name) {
		uris := cCtx.StringSlice(StorageFlag.Name)
		list := make([]any, len(uris))
		for i, u := range uris {
			list[i] = u
		}
		overrides["storage"] = map[string]any{"uris": list}
	}
	if cCtx.IsSet(ListenAddrFlag.Name) {
		server["listen_addr"] = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		server["metrics_addr"] = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		server["drain_seconds"] = cCtx.Int64(DrainSecondsFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		server["pprof"] = cCtx.Bool(PprofFlag.Name)
	}
	if len(server) > 0 {
		overrides["server"] = server
	}

	return config.NewLoader(config.WithConfigFile(cCtx.String(ConfigFileFlag.Name))).Load(overrides)
}

func ConfigureServer(cfg *config.Config, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Server.ListenAddr,
		MetricsAddr:              cfg.Server.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cfg.Server.EnablePprof,
		DrainDuration:            time.Duration(cfg.Server.DrainSeconds) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "YAML configuration file",
	EnvVars: []string{"FHESESSION_CONFIG"},
}

var NamespaceFlag = &cli.StringFlag{
	Name:  "namespace",
	Usage: "prefix of every persisted key",
}

var NetworkIDFlag = &cli.Uint64Flag{
	Name:  "network-id",
	Usage: "network to select",
}

var RpcURLFlag = &cli.StringFlag{
	Name:  "rpc-url",
	Usage: "RPC endpoint to resolve the network from",
}

var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Usage: "storage URI (memory://, file://, badger://, s3://, vault://, ipfs://), can be repeated",
}

var SignerKeyFlag = &cli.StringFlag{
	Name:    "signer-key",
	Usage:   "hex-encoded secp256k1 private key signing decryption authorizations",
	EnvVars: []string{"FHESESSION_SIGNER_KEY"},
}

var ContractFlag = &cli.StringSliceFlag{
	Name:     "contract",
	Required: true,
	Usage:    "contract address to authorize, can be repeated",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	ConfigFileFlag,
	NamespaceFlag,
	StorageFlag,
	SignerKeyFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlagFn("fhevm-session"),
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	MetricsAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
}

var NetworkFlags = []cli.Flag{
	NetworkIDFlag,
	RpcURLFlag,
}
