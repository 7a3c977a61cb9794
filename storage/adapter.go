package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/fhevm-session/interfaces"
)

// DefaultNamespace prefixes every key when no namespace is configured.
const DefaultNamespace = "fhevm"

// Adapter is a namespaced key-value facade over a KeyValueStore. Values pass
// through a Serializer before reaching the store. Writes are best-effort:
// store failures are logged and swallowed.
type Adapter struct {
	store      interfaces.KeyValueStore
	namespace  string
	serializer Serializer
	log        *slog.Logger
}

// AdapterOption customizes an Adapter.
type AdapterOption func(*Adapter)

// WithSerializer replaces the DefaultSerializer.
func WithSerializer(s Serializer) AdapterOption {
	return func(a *Adapter) {
		a.serializer = s
	}
}

// NewAdapter wraps store under namespace. A nil store is replaced by a
// NoopStore so callers can always treat storage as present.
func NewAdapter(store interfaces.KeyValueStore, namespace string, log *slog.Logger, opts ...AdapterOption) *Adapter {
	if store == nil {
		store = NoopStore{}
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		store:      store,
		namespace:  namespace,
		serializer: DefaultSerializer{},
		log:        log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the namespaced key stored for the logical key.
func (a *Adapter) Key(key string) string {
	return a.namespace + "." + key
}

// Namespace returns the adapter namespace.
func (a *Adapter) Namespace() string {
	return a.namespace
}

// Store returns the underlying store.
func (a *Adapter) Store() interfaces.KeyValueStore {
	return a.store
}

// Get decodes the value stored under key into target. It reports false with
// a nil error when the key is absent.
func (a *Adapter) Get(ctx context.Context, key string, target any) (bool, error) {
	data, err := a.store.Get(ctx, a.Key(key))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s from %s: %w", a.Key(key), a.store.Name(), err)
	}

	if err := a.serializer.Deserialize(string(data), target); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", a.Key(key), err)
	}
	return true, nil
}

// Set stores value under key. A nil value removes the key.
func (a *Adapter) Set(ctx context.Context, key string, value any) {
	if value == nil {
		a.Remove(ctx, key)
		return
	}

	data, err := a.serializer.Serialize(value)
	if err != nil {
		a.log.Warn("Failed to serialize value, skipping write",
			slog.String("key", a.Key(key)),
			"err", err)
		return
	}

	if err := a.store.Set(ctx, a.Key(key), []byte(data)); err != nil {
		a.log.Warn("Failed to write to store",
			slog.String("key", a.Key(key)),
			slog.String("store", a.store.Name()),
			"err", err)
	}
}

// Remove deletes key. Failures are logged and swallowed.
func (a *Adapter) Remove(ctx context.Context, key string) {
	if err := a.store.Remove(ctx, a.Key(key)); err != nil {
		a.log.Warn("Failed to remove from store",
			slog.String("key", a.Key(key)),
			slog.String("store", a.store.Name()),
			"err", err)
	}
}

// GetOr returns the value stored under key, or def when the key is absent or
// cannot be read or decoded.
func GetOr[T any](ctx context.Context, a *Adapter, key string, def T) T {
	var value T
	found, err := a.Get(ctx, key, &value)
	if err != nil {
		a.log.Debug("Falling back to default value",
			slog.String("key", a.Key(key)),
			"err", err)
		return def
	}
	if !found {
		return def
	}
	return value
}
