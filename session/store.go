package session

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/interfaces"
)

// Config configures a Store.
type Config struct {
	// Networks is the ordered, non-empty network set.
	Networks []interfaces.NetworkID
	// Simulation maps simulated network ids to their endpoint. It is merged
	// over the built-in local development entry.
	Simulation map[interfaces.NetworkID]string
	// NetworkID is the initially selected network. Defaults to Networks[0].
	NetworkID interfaces.NetworkID
}

// Store is the session record plus the instance cache it owns.
type Store struct {
	mu         sync.RWMutex
	state      State
	networks   []interfaces.NetworkID
	simulation map[interfaces.NetworkID]string

	listenersMu  sync.Mutex
	listeners    map[uint64]func(next, prev State)
	netListeners map[uint64]func(next, prev []interfaces.NetworkID)
	nextID       uint64

	// pending is appended under mu in commit order and drained by a single
	// notifying goroutine at a time.
	pending   []change
	notifying bool

	instances *InstanceCache
	log       *slog.Logger
}

// NewStore creates a store in the idle state.
func NewStore(cfg Config, log *slog.Logger) (*Store, error) {
	if len(cfg.Networks) == 0 {
		return nil, ErrEmptyNetworkSet
	}
	if log == nil {
		log = slog.Default()
	}

	simulation := map[interfaces.NetworkID]string{chain.LocalNetworkID: chain.LocalEndpointURL}
	maps.Copy(simulation, cfg.Simulation)

	s := &Store{
		networks:     slices.Clone(cfg.Networks),
		simulation:   simulation,
		listeners:    make(map[uint64]func(next, prev State)),
		netListeners: make(map[uint64]func(next, prev []interfaces.NetworkID)),
		instances:    NewInstanceCache(),
		log:          log,
	}

	s.state = State{NetworkID: cfg.NetworkID, Status: interfaces.StatusIdle}
	if cfg.NetworkID == 0 {
		s.state.NetworkID = cfg.Networks[0]
	}
	if err := s.state.validate(s.networks, s.simulation); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set applies reducer to the current state. A result that breaks the session
// invariants is rejected and the state stays unchanged.
func (s *Store) Set(reducer func(State) State) error {
	s.mu.Lock()
	prev := s.state
	next := reducer(prev)
	if err := next.validate(s.networks, s.simulation); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.pending = append(s.pending, change{state: true, next: next, prev: prev})
	s.mu.Unlock()

	s.log.Debug("Session state updated",
		slog.Uint64("networkId", uint64(next.NetworkID)),
		slog.String("status", next.Status.String()))

	s.notify()
	return nil
}

// RecordError stores err as the last session error without changing the status.
func (s *Store) RecordError(err error) {
	if err == nil {
		return
	}
	_ = s.Set(func(st State) State {
		st.Err = err
		return st
	})
}

// Instances returns the instance cache owned by the store.
func (s *Store) Instances() *InstanceCache {
	return s.instances
}

// GetInstance returns the cached instance for id, or for the selected network
// when id is omitted. It never constructs an instance.
func (s *Store) GetInstance(id ...interfaces.NetworkID) interfaces.Instance {
	networkID := s.Get().NetworkID
	if len(id) > 0 {
		networkID = id[0]
	}
	inst, ok := s.instances.Get(networkID)
	if !ok {
		return nil
	}
	return inst
}

// IsConfigured reports whether id is in the network set or the simulation table.
func (s *Store) IsConfigured(id interfaces.NetworkID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slices.Contains(s.networks, id) {
		return true
	}
	_, ok := s.simulation[id]
	return ok
}

// Simulation returns a copy of the simulation table.
func (s *Store) Simulation() map[interfaces.NetworkID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.simulation)
}

// Networks returns a copy of the network set.
func (s *Store) Networks() []interfaces.NetworkID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.networks)
}

// SetNetworks replaces the network set. An empty list is rejected and leaves
// the set unchanged.
func (s *Store) SetNetworks(networks []interfaces.NetworkID) error {
	return s.UpdateNetworks(func([]interfaces.NetworkID) []interfaces.NetworkID {
		return networks
	})
}

// UpdateNetworks replaces the network set with the result of fn. If the
// selected network is no longer configured the session moves to the first
// network of the new set and restarts at idle.
func (s *Store) UpdateNetworks(fn func([]interfaces.NetworkID) []interfaces.NetworkID) error {
	s.mu.Lock()
	prevNetworks := s.networks
	next := slices.Clone(fn(slices.Clone(prevNetworks)))
	if len(next) == 0 {
		s.mu.Unlock()
		return ErrEmptyNetworkSet
	}
	s.networks = next

	s.pending = append(s.pending, change{nextNetworks: next, prevNetworks: prevNetworks})

	prevState := s.state
	if prevState.validate(next, s.simulation) != nil {
		s.state = State{NetworkID: next[0], Status: interfaces.StatusIdle}
		s.pending = append(s.pending, change{state: true, next: s.state, prev: prevState})
	}
	s.mu.Unlock()

	s.log.Debug("Network set updated", slog.Int("networks", len(next)))

	s.notify()
	return nil
}

// SubscribeNetworks calls listener with the new and previous network set on
// every replacement. The returned func unsubscribes.
func (s *Store) SubscribeNetworks(listener func(next, prev []interfaces.NetworkID)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.netListeners[id] = listener

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.netListeners, id)
	}
}

// change is a committed update waiting to be delivered to listeners.
type change struct {
	state        bool
	next, prev   State
	nextNetworks []interfaces.NetworkID
	prevNetworks []interfaces.NetworkID
}

// notify delivers pending changes in commit order. If another goroutine is
// already delivering, it delivers these changes too and notify returns at once.
func (s *Store) notify() {
	s.mu.Lock()
	if s.notifying {
		s.mu.Unlock()
		return
	}
	s.notifying = true

	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending[0] = change{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if c.state {
			for _, listener := range s.stateListeners() {
				listener(c.next, c.prev)
			}
		} else {
			for _, listener := range s.networkListeners() {
				listener(slices.Clone(c.nextNetworks), slices.Clone(c.prevNetworks))
			}
		}

		s.mu.Lock()
	}
	s.notifying = false
	s.mu.Unlock()
}

func (s *Store) addListener(listener func(next, prev State)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

// stateListeners returns the listeners in subscription order.
func (s *Store) stateListeners() []func(next, prev State) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	ids := slices.Sorted(maps.Keys(s.listeners))
	out := make([]func(next, prev State), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) networkListeners() []func(next, prev []interfaces.NetworkID) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	ids := slices.Sorted(maps.Keys(s.netListeners))
	out := make([]func(next, prev []interfaces.NetworkID), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.netListeners[id])
	}
	return out
}

func (s *Store) String() string {
	st := s.Get()
	return fmt.Sprintf("session{network=%d status=%s}", st.NetworkID, st.Status)
}
