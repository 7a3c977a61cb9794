package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/client"
	"github.com/ruteri/fhevm-session/common"
	"github.com/ruteri/fhevm-session/config"
	"github.com/ruteri/fhevm-session/instance"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/metrics"
	"github.com/ruteri/fhevm-session/mock"
	"github.com/ruteri/fhevm-session/session"
	"github.com/ruteri/fhevm-session/storage"
)

// runtime is a fully wired session.
type runtime struct {
	cfg *config.Config
	log *slog.Logger

	kv          interfaces.KeyValueStore
	adapter     *storage.Adapter
	store       *session.Store
	persistence *session.Persistence
	metrics     *metrics.MetricsServer
	client      *client.Client
	signer      authz.Signer
}

type runtimeOpts struct {
	// SignerKey is an optional hex private key.
	SignerKey string
	// WithMetrics serves metrics on the configured metrics address.
	WithMetrics bool
}

func newRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger, opts runtimeOpts) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log}

	kv, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	rt.kv = kv
	rt.adapter = storage.NewAdapter(kv, cfg.Namespace, log)

	simulation, err := cfg.SimulationTable()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store, err = session.NewStore(session.Config{
		Networks:   cfg.NetworkIDs(),
		Simulation: simulation,
		NetworkID:  cfg.NetworkID,
	}, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var sessionMetrics *metrics.SessionMetrics
	if opts.WithMetrics && cfg.Server.MetricsAddr != "" {
		rt.metrics, err = metrics.New(common.PackageName, cfg.Server.MetricsAddr)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("could not create metrics server: %w", err)
		}
		sessionMetrics = rt.metrics.Session()
	}

	manager, err := instance.NewManager(instance.Config{
		Store:     rt.store,
		Resolver:  chain.NewResolver(simulation, log, chain.WithCompatibleClient(cfg.Chain.CompatibleClient)),
		Simulated: mock.NewFactory(log),
		Networks:  cfg.NetworkConfigs(),
		Keys:      instance.NewPublicKeyCache(rt.adapter, sessionMetrics),
		Metrics:   sessionMetrics,
		Log:       log,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	authorizations := authz.NewCache(rt.adapter, log,
		authz.WithDurationDays(cfg.Authorization.DurationDays),
		authz.WithRecorder(rt.store),
		authz.WithMetrics(sessionMetrics))

	rt.client, err = client.New(client.Config{Manager: manager, Authorizations: authorizations, Log: log})
	if err != nil {
		rt.Close()
		return nil, err
	}

	if opts.SignerKey != "" {
		signer, err := authz.NewKeySignerFromHex(opts.SignerKey)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
		rt.signer = signer
		log.Info("Signing authorizations", slog.String("user", signer.Address().Hex()))
	}

	rt.persistence = session.NewPersistence(rt.store, rt.adapter, log)
	if err := rt.persistence.Rehydrate(ctx); err != nil {
		log.Warn("Could not rehydrate session", "err", err)
	}
	rt.persistence.Start(ctx)

	log.Info("Session ready",
		slog.String("storage", kv.Name()),
		slog.Uint64("networkId", uint64(rt.store.Get().NetworkID)),
		slog.Int("networks", len(cfg.Networks)))
	return rt, nil
}

func openStore(cfg *config.Config, log *slog.Logger) (interfaces.KeyValueStore, error) {
	locs, err := cfg.StoreLocations()
	if err != nil {
		return nil, err
	}
	kv, err := storage.NewFactory(log).CreateMultiStore(locs)
	if err != nil {
		return nil, fmt.Errorf("could not open storage: %w", err)
	}
	if cfg.Storage.Passphrase == "" {
		return kv, nil
	}

	encrypted, err := storage.NewEncryptedStore(kv, []byte(cfg.Storage.Passphrase), []byte(cfg.Storage.Salt))
	if err != nil {
		closeStore(kv, log)
		return nil, err
	}
	return encrypted, nil
}

// Close stops persistence and releases the storage.
func (rt *runtime) Close() {
	if rt.persistence != nil {
		rt.persistence.Stop()
	}
	if rt.kv != nil {
		closeStore(rt.kv, rt.log)
	}
}

func closeStore(kv interfaces.KeyValueStore, log *slog.Logger) {
	closer, ok := kv.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn("Could not close storage", "err", err)
	}
}
