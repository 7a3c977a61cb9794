package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/ruteri/fhevm-session/cryptoutils"
	"github.com/ruteri/fhevm-session/interfaces"
)

// EncryptedStore seals every value with AES-GCM before it reaches the wrapped
// store. The storage key is bound as additional data, so a value copied to a
// different key fails to open.
type EncryptedStore struct {
	inner interfaces.KeyValueStore
	key   []byte
}

// NewEncryptedStore wraps inner with a key derived from passphrase and salt.
func NewEncryptedStore(inner interfaces.KeyValueStore, passphrase, salt []byte) (*EncryptedStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return &EncryptedStore{
		inner: inner,
		key:   cryptoutils.DeriveStorageKey(passphrase, salt),
	}, nil
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	value, err := cryptoutils.Open(s.key, sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return value, nil
}

func (s *EncryptedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := cryptoutils.Seal(s.key, value, []byte(key))
	if err != nil {
		return fmt.Errorf("failed to seal %s: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *EncryptedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *EncryptedStore) Available(ctx context.Context) bool {
	return s.inner.Available(ctx)
}

func (s *EncryptedStore) Name() string {
	return "encrypted-" + s.inner.Name()
}

func (s *EncryptedStore) LocationURI() string {
	return s.inner.LocationURI()
}

// Close closes the wrapped store if it holds resources.
func (s *EncryptedStore) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
