package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/fhevm-session/interfaces"
)

// MultiStore implements interfaces.KeyValueStore using multiple stores with fallback.
// Reads return the first value found; writes and removes go to every available store.
type MultiStore struct {
	stores []interfaces.KeyValueStore
	log    *slog.Logger
}

// NewMultiStore creates a new multi-store with fallback.
func NewMultiStore(stores []interfaces.KeyValueStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStore{
		stores: stores,
		log:    logger,
	}
}

// Get returns the value from the first available store holding key.
func (m *MultiStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable",
				slog.String("store_name", store.Name()),
				slog.String("key", key))
			continue
		}

		data, err := store.Get(ctx, key)
		if err == nil {
			m.log.Debug("Fetched value",
				slog.String("store_name", store.Name()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to fetch from store",
			slog.String("store_name", store.Name()),
			slog.String("key", key),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrKeyNotFound
	}

	return nil, fmt.Errorf("all stores failed to fetch %s: %w", key, errors.Join(errs...))
}

// Set writes value to all available stores. It succeeds if any store accepted the write.
func (m *MultiStore) Set(ctx context.Context, key string, value []byte) error {
	return m.forEach(ctx, "store", func(store interfaces.KeyValueStore) error {
		return store.Set(ctx, key, value)
	})
}

// Remove deletes key from all available stores.
func (m *MultiStore) Remove(ctx context.Context, key string) error {
	return m.forEach(ctx, "remove", func(store interfaces.KeyValueStore) error {
		return store.Remove(ctx, key)
	})
}

func (m *MultiStore) forEach(ctx context.Context, op string, fn func(interfaces.KeyValueStore) error) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable", slog.String("store_name", store.Name()))
			continue
		}

		if err := fn(store); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Debug("Store operation failed",
				slog.String("op", op),
				slog.String("store_name", store.Name()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All stores failed",
			slog.String("op", op),
			slog.Int("failed_stores", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return interfaces.ErrBackendUnavailable
		}
		return fmt.Errorf("all stores failed to %s: %w", op, errors.Join(errs...))
	}
	return nil
}

// Available checks if any store is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this store.
func (m *MultiStore) Name() string {
	return "multi-store"
}

// LocationURI combines the location URIs of all stores.
func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}

// Close closes every store that holds resources and returns their errors joined.
func (m *MultiStore) Close() error {
	var errs []error
	for _, s := range m.stores {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
