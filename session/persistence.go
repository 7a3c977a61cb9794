package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/storage"
)

const (
	// StateKey is the logical storage key of the persisted session.
	StateKey = "state"

	// StateVersion is the version of the persisted session shape.
	StateVersion = 1
)

// PersistedState is the stored envelope. Only the network id is persisted.
type PersistedState struct {
	Version int            `json:"version"`
	State   PersistedShape `json:"state"`
}

// PersistedShape is the persisted subset of State.
type PersistedShape struct {
	NetworkID *interfaces.NetworkID `json:"networkId"`
}

// Persistence keeps the selected network id of a Store in storage.
type Persistence struct {
	store   *Store
	adapter *storage.Adapter
	log     *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewPersistence decorates store with persistence through adapter.
func NewPersistence(store *Store, adapter *storage.Adapter, log *slog.Logger) *Persistence {
	if log == nil {
		log = slog.Default()
	}
	return &Persistence{store: store, adapter: adapter, log: log}
}

// Rehydrate loads the persisted network id into the store. The status is
// always reset to idle. A missing record keeps the current selection; a
// corrupt record, an unknown version or a network outside the network set
// falls back to the first configured network.
func (p *Persistence) Rehydrate(ctx context.Context) error {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return err
	}

	networks := p.store.Networks()
	selected := p.store.Get().NetworkID

	var persisted PersistedState
	found, err := p.adapter.Get(ctx, StateKey, &persisted)
	switch {
	case err != nil:
		p.log.Warn("Discarding unreadable persisted session", "err", err)
		selected = networks[0]
	case !found:
	case persisted.Version != StateVersion:
		p.log.Warn("Discarding persisted session with unknown version",
			slog.Int("version", persisted.Version))
		selected = networks[0]
	case persisted.State.NetworkID == nil:
		p.log.Warn("Discarding persisted session without a network id")
		selected = networks[0]
	case !slices.Contains(networks, *persisted.State.NetworkID):
		p.log.Info("Persisted network is not configured, using the first network",
			slog.Uint64("persisted", uint64(*persisted.State.NetworkID)),
			slog.Uint64("networkId", uint64(networks[0])))
		selected = networks[0]
	default:
		selected = *persisted.State.NetworkID
	}

	if err := p.store.Set(func(State) State {
		return State{NetworkID: selected, Status: interfaces.StatusIdle}
	}); err != nil {
		return err
	}

	if found || err != nil {
		p.write(ctx, selected)
	}
	return nil
}

// Start persists the network id on every change until Stop is called.
func (p *Persistence) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		return
	}

	p.unsubscribe = Subscribe(p.store,
		func(s State) interfaces.NetworkID { return s.NetworkID },
		func(next, _ interfaces.NetworkID) { p.write(context.WithoutCancel(ctx), next) })
}

// Stop ends persistence.
func (p *Persistence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

// Clear removes the persisted session.
func (p *Persistence) Clear(ctx context.Context) {
	p.adapter.Remove(ctx, StateKey)
}

func (p *Persistence) write(ctx context.Context, id interfaces.NetworkID) {
	p.adapter.Set(ctx, StateKey, PersistedState{
		Version: StateVersion,
		State:   PersistedShape{NetworkID: &id},
	})
}
