package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/metrics"
	"github.com/ruteri/fhevm-session/session"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// AcquireParams selects the network to acquire an instance for. With an
// empty Handle the NetworkID is looked up in the simulation table and the
// production network configs. A NetworkID set alongside a Handle must match
// the resolved id.
type AcquireParams struct {
	Handle    chain.Handle
	NetworkID interfaces.NetworkID
}

// Config configures a Manager.
type Config struct {
	Store    *session.Store
	Resolver *chain.Resolver
	// Bridge hosts the production path. Without it production acquisitions
	// fail with SSR_NOT_SUPPORTED.
	Bridge interfaces.Bridge
	// Simulated builds instances for probed development nodes. Without it
	// simulated networks take the production path.
	Simulated interfaces.SimulatedFactory
	// Networks holds the production config of each network id.
	Networks map[interfaces.NetworkID]interfaces.NetworkConfig
	Keys     *PublicKeyCache
	Metrics  *metrics.SessionMetrics
	Log      *slog.Logger
}

// Manager acquires and caches instances.
type Manager struct {
	store     *session.Store
	resolver  *chain.Resolver
	bridge    interfaces.Bridge
	simulated interfaces.SimulatedFactory
	networks  map[interfaces.NetworkID]interfaces.NetworkConfig
	keys      *PublicKeyCache
	metrics   *metrics.SessionMetrics
	log       *slog.Logger

	bridgeReady atomic.Bool
	bridgeMu    sync.Mutex

	inflight singleflight.Group
}

// NewManager creates a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = chain.NewResolver(cfg.Store.Simulation(), cfg.Log)
	}
	if cfg.Keys == nil {
		cfg.Keys = NewPublicKeyCache(nil, cfg.Metrics)
	}

	return &Manager{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		bridge:    cfg.Bridge,
		simulated: cfg.Simulated,
		networks:  cfg.Networks,
		keys:      cfg.Keys,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
	}, nil
}

// Store returns the session store the manager publishes to.
func (m *Manager) Store() *session.Store {
	return m.store
}

// Resolver returns the chain resolver.
func (m *Manager) Resolver() *chain.Resolver {
	return m.resolver
}

// Acquire returns the instance of the network selected by params, building it
// if it is not cached. Cancellation of ctx returns interfaces.ErrCanceled and
// restores the previous session state unless another acquisition has
// published since. A construction canceled before it completes is not cached.
func (m *Manager) Acquire(ctx context.Context, params AcquireParams) (interfaces.Instance, error) {
	res, err := m.resolve(ctx, params)
	if err != nil {
		if !errors.Is(err, interfaces.ErrCanceled) {
			m.fail(m.store.Get().NetworkID, err)
		}
		return nil, err
	}
	id := res.NetworkID

	prev := m.store.Get()
	if err := m.store.Set(func(st session.State) session.State { return st.Loading(id) }); err != nil {
		return nil, err
	}

	if inst, ok := m.store.Instances().Get(id); ok {
		if err := interfaces.CheckCanceled(ctx); err != nil {
			m.restore(id, prev)
			return nil, err
		}
		m.metrics.InstanceCacheHit(id)
		if err := m.publishReady(id, inst); err != nil {
			return nil, err
		}
		return inst, nil
	}

	inst, err := m.construct(ctx, res)
	if err != nil {
		if errors.Is(err, interfaces.ErrCanceled) {
			m.restore(id, prev)
			return nil, err
		}
		m.fail(id, err)
		return nil, err
	}

	if err := interfaces.CheckCanceled(ctx); err != nil {
		m.restore(id, prev)
		return nil, err
	}

	if err := m.publishReady(id, inst); err != nil {
		return nil, err
	}
	m.log.Info("Instance ready",
		slog.Uint64("networkId", uint64(id)),
		slog.Bool("simulated", res.IsSimulated))
	return inst, nil
}

func (m *Manager) resolve(ctx context.Context, params AcquireParams) (chain.Resolution, error) {
	handle := params.Handle
	if handle.IsZero() {
		if params.NetworkID == 0 {
			return chain.Resolution{}, interfaces.NewError(interfaces.CodeChainNotConfigured, "no network handle or network id given")
		}
		if url, ok := m.resolver.SimulationEndpoint(params.NetworkID); ok {
			handle = chain.URLHandle(url)
		} else if cfg, ok := m.networks[params.NetworkID]; ok && cfg.RPCURL != "" {
			handle = chain.URLHandle(cfg.RPCURL)
		} else {
			return chain.Resolution{}, interfaces.NewError(interfaces.CodeChainNotConfigured,
				"no endpoint configured for network %d", params.NetworkID)
		}
	}

	res, err := m.resolver.Resolve(ctx, handle)
	if err != nil {
		if errors.Is(err, interfaces.ErrCanceled) {
			return chain.Resolution{}, err
		}
		return chain.Resolution{}, interfaces.WrapError(interfaces.CodeChainNotConfigured, err,
			fmt.Sprintf("failed to resolve %s", handle))
	}

	if params.NetworkID != 0 && params.NetworkID != res.NetworkID {
		return chain.Resolution{}, interfaces.NewError(interfaces.CodeChainNotConfigured,
			"%s serves network %d, expected %d", handle, res.NetworkID, params.NetworkID)
	}
	if !m.store.IsConfigured(res.NetworkID) {
		return chain.Resolution{}, interfaces.NewError(interfaces.CodeChainNotConfigured,
			"network %d is not configured", res.NetworkID)
	}
	return res, nil
}

// construct shares one construction per network id between concurrent callers
// and caches its result before the construction is released.
func (m *Manager) construct(ctx context.Context, res chain.Resolution) (interfaces.Instance, error) {
	key := res.NetworkID.String()
	for {
		ch := m.inflight.DoChan(key, func() (any, error) {
			cache := m.store.Instances()
			if inst, ok := cache.Get(res.NetworkID); ok {
				return inst, nil
			}

			inst, err := m.build(ctx, res)
			if err != nil {
				return nil, err
			}
			if err := interfaces.CheckCanceled(ctx); err != nil {
				return nil, err
			}
			cache.Set(res.NetworkID, inst)
			return inst, nil
		})

		select {
		case <-ctx.Done():
			return nil, interfaces.CheckCanceled(ctx)
		case r := <-ch:
			if r.Err != nil {
				// The shared construction belonged to a canceled caller.
				if errors.Is(r.Err, interfaces.ErrCanceled) && ctx.Err() == nil {
					continue
				}
				return nil, r.Err
			}
			return r.Val.(interfaces.Instance), nil
		}
	}
}

func (m *Manager) build(ctx context.Context, res chain.Resolution) (interfaces.Instance, error) {
	if res.IsSimulated && m.simulated != nil {
		inst, err := m.buildSimulated(ctx, res)
		if err == nil || errors.Is(err, interfaces.ErrCanceled) {
			return inst, err
		}
		m.log.Warn("Simulated node probe failed, using the production path",
			slog.Uint64("networkId", uint64(res.NetworkID)),
			slog.String("endpoint", res.EndpointURL),
			"err", err)
	}
	return m.buildProduction(ctx, res.NetworkID)
}

func (m *Manager) buildSimulated(ctx context.Context, res chain.Resolution) (interfaces.Instance, error) {
	meta, err := m.resolver.Probe(ctx, res.EndpointURL)
	if err != nil {
		return nil, err
	}

	inst, err := m.simulated.NewSimulatedInstance(ctx, interfaces.SimulatedConfig{
		NetworkID:            res.NetworkID,
		EndpointURL:          res.EndpointURL,
		ACLAddress:           meta.ACLAddress,
		InputVerifierAddress: meta.InputVerifierAddress,
		KMSVerifierAddress:   meta.KMSVerifierAddress,
	})
	if err != nil {
		return nil, creationError(ctx, err)
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	m.metrics.InstanceConstructed(res.NetworkID, metrics.PathSimulated)
	return inst, nil
}

func (m *Manager) buildProduction(ctx context.Context, id interfaces.NetworkID) (interfaces.Instance, error) {
	if m.bridge == nil {
		return nil, interfaces.NewError(interfaces.CodeSSRNotSupported,
			"no production encryption bridge is available for network %d", id)
	}

	if err := m.initBridge(ctx); err != nil {
		return nil, err
	}

	cfg, ok := m.networks[id]
	if !ok {
		return nil, interfaces.NewError(interfaces.CodeChainNotConfigured,
			"no production config for network %d", id)
	}
	if !common.IsHexAddress(cfg.ACLAddress) {
		return nil, interfaces.NewError(interfaces.CodeInvalidACLAddress,
			"invalid ACL address %q for network %d", cfg.ACLAddress, id)
	}
	acl := interfaces.ContractAddress(common.HexToAddress(cfg.ACLAddress))

	key, ok := m.keys.Get(ctx, acl)
	if !ok {
		fetched, err := m.bridge.FetchPublicKey(ctx, cfg)
		if err != nil {
			return nil, creationError(ctx, err)
		}
		m.keys.Set(ctx, acl, fetched)
		m.metrics.PublicKey(metrics.KeyFetched)
		key = fetched
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	inst, err := m.bridge.NewInstance(ctx, cfg, key)
	if err != nil {
		return nil, creationError(ctx, err)
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	m.metrics.InstanceConstructed(id, metrics.PathProduction)
	return inst, nil
}

func (m *Manager) initBridge(ctx context.Context) error {
	if m.bridgeReady.Load() {
		return nil
	}

	m.bridgeMu.Lock()
	defer m.bridgeMu.Unlock()
	if m.bridgeReady.Load() {
		return nil
	}

	if err := m.bridge.Init(ctx); err != nil {
		return creationError(ctx, err)
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return err
	}
	m.bridgeReady.Store(true)
	m.log.Info("Encryption bridge initialized")
	return nil
}

func (m *Manager) publishReady(id interfaces.NetworkID, inst interfaces.Instance) error {
	return m.store.Set(func(st session.State) session.State {
		st.NetworkID = id
		return st.Ready(inst)
	})
}

func (m *Manager) fail(id interfaces.NetworkID, err error) {
	var coded *interfaces.Error
	code := ""
	if errors.As(err, &coded) {
		code = string(coded.Code)
	}
	m.metrics.InstanceFailed(id, code)

	m.log.Warn("Instance acquisition failed",
		slog.Uint64("networkId", uint64(id)),
		"err", err)

	configured := m.store.IsConfigured(id)
	if serr := m.store.Set(func(st session.State) session.State {
		if configured {
			st.NetworkID = id
		}
		return st.Failed(err)
	}); serr != nil {
		m.log.Error("Failed to record acquisition error", "err", serr)
	}
}

// restore rolls a canceled acquisition back to prev, but only while the
// session still shows the loading state for id. Anything published since
// belongs to another acquisition and is kept.
func (m *Manager) restore(id interfaces.NetworkID, prev session.State) {
	if err := m.store.Set(func(st session.State) session.State {
		if st.Status != interfaces.StatusLoading || st.NetworkID != id {
			return st
		}
		return prev
	}); err != nil {
		m.log.Debug("Failed to restore session state after cancellation", "err", err)
	}
}

// creationError keeps coded errors and cancellations and wraps anything else
// as INSTANCE_CREATION_ERROR.
func creationError(ctx context.Context, err error) error {
	if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
		return cerr
	}
	var coded *interfaces.Error
	if errors.As(err, &coded) {
		return err
	}
	return interfaces.WrapError(interfaces.CodeInstanceCreationFailure, err, "failed to create instance")
}
