package authz

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/metrics"
	"github.com/ruteri/fhevm-session/storage"
)

const (
	// StorageKeyPrefix is the logical storage key prefix of cached artifacts.
	StorageKeyPrefix = "decryption-signature"

	// DefaultDurationDays is the validity of newly minted artifacts.
	DefaultDurationDays = 365
)

var (
	// ErrNoContracts is returned when an authorization is requested for no contracts.
	ErrNoContracts = errors.New("no contract addresses to authorize")

	// ErrNotCached is returned by Load when no artifact is stored for the key.
	ErrNotCached = errors.New("no cached authorization")
)

// ErrorRecorder receives authorization failures, typically the session store.
type ErrorRecorder interface {
	RecordError(err error)
}

// Cache loads and mints decryption authorizations.
type Cache struct {
	adapter      *storage.Adapter
	now          func() time.Time
	durationDays int64
	recorder     ErrorRecorder
	metrics      *metrics.SessionMetrics
	log          *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithDurationDays sets the validity of newly minted artifacts.
func WithDurationDays(days int64) Option {
	return func(c *Cache) {
		c.durationDays = days
	}
}

// WithRecorder records signing failures into r.
func WithRecorder(r ErrorRecorder) Option {
	return func(c *Cache) {
		c.recorder = r
	}
}

// WithMetrics counts cache results.
func WithMetrics(m *metrics.SessionMetrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache creates an authorization cache persisting through adapter.
func NewCache(adapter *storage.Adapter, log *slog.Logger, opts ...Option) *Cache {
	if adapter == nil {
		adapter = storage.NewAdapter(nil, "", log)
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		adapter:      adapter,
		now:          time.Now,
		durationDays: DefaultDurationDays,
		log:          log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey derives the storage key of the artifact for a user and contract
// set. The contract order and duplicates do not change the key.
func CacheKey(id interfaces.NetworkID, user interfaces.ContractAddress, contracts []interfaces.ContractAddress) string {
	normalized := NormalizeContracts(contracts)

	buf := make([]byte, 0, 8+20+20*len(normalized))
	buf = binary.BigEndian.AppendUint64(buf, uint64(id))
	buf = append(buf, user[:]...)
	for _, c := range normalized {
		buf = append(buf, c[:]...)
	}
	return StorageKeyPrefix + "." + hex.EncodeToString(crypto.Keccak256(buf))
}

// Load returns the cached artifact for user and contracts. A stored artifact
// that expired or does not cover contracts yields SIGNATURE_EXPIRED or
// SIGNATURE_MISMATCH; no artifact yields ErrNotCached.
func (c *Cache) Load(ctx context.Context, id interfaces.NetworkID, user interfaces.ContractAddress, contracts []interfaces.ContractAddress) (*Artifact, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}
	normalized := NormalizeContracts(contracts)
	key := CacheKey(id, user, normalized)

	var artifact Artifact
	found, err := c.adapter.Get(ctx, key, &artifact)
	if err != nil {
		c.log.Debug("Discarding unreadable authorization", slog.String("key", key), "err", err)
		return nil, ErrNotCached
	}
	if !found {
		return nil, ErrNotCached
	}

	if !artifact.IsValid(c.now()) {
		return nil, interfaces.NewError(interfaces.CodeSignatureExpired,
			"authorization expired at %s", artifact.ExpiresAt().UTC().Format(time.RFC3339))
	}
	if artifact.UserAddress != user || artifact.NetworkID != id || !artifact.Covers(normalized) {
		return nil, interfaces.NewError(interfaces.CodeSignatureMismatch,
			"authorization does not cover the requested contracts")
	}
	return &artifact, nil
}

// LoadOrSign returns a valid cached artifact covering contracts, or mints,
// persists and returns a new one signed by signer. Partial coverage is a
// cache miss.
func (c *Cache) LoadOrSign(ctx context.Context, inst interfaces.Instance, contracts []interfaces.ContractAddress, signer Signer) (*Artifact, error) {
	if len(contracts) == 0 {
		return nil, ErrNoContracts
	}

	id := inst.NetworkID()
	user := signer.Address()
	normalized := NormalizeContracts(contracts)

	artifact, err := c.Load(ctx, id, user, normalized)
	switch {
	case err == nil:
		c.metrics.Authorization(metrics.AuthHit)
		return artifact, nil
	case errors.Is(err, interfaces.ErrCanceled):
		return nil, err
	case errors.Is(err, interfaces.ErrSignatureExpired):
		c.metrics.Authorization(metrics.AuthExpired)
		c.log.Info("Cached authorization expired, signing again",
			slog.String("user", user.Hex()), "err", err)
	case errors.Is(err, interfaces.ErrSignatureMismatch):
		c.metrics.Authorization(metrics.AuthMismatch)
		c.log.Info("Cached authorization does not match, signing again",
			slog.String("user", user.Hex()), "err", err)
	default:
		c.metrics.Authorization(metrics.AuthMiss)
	}

	artifact, err = c.sign(ctx, inst, normalized, signer)
	if err != nil {
		if !errors.Is(err, interfaces.ErrCanceled) {
			c.metrics.Authorization(metrics.AuthError)
			if c.recorder != nil {
				c.recorder.RecordError(err)
			}
		}
		return nil, err
	}

	c.adapter.Set(ctx, CacheKey(id, user, normalized), artifact)
	c.metrics.Authorization(metrics.AuthSigned)
	c.log.Debug("Signed new authorization",
		slog.String("user", user.Hex()),
		slog.Int("contracts", len(normalized)),
		slog.Time("expiresAt", artifact.ExpiresAt()))
	return artifact, nil
}

// Remove forgets the artifact for user and contracts.
func (c *Cache) Remove(ctx context.Context, id interfaces.NetworkID, user interfaces.ContractAddress, contracts []interfaces.ContractAddress) {
	c.adapter.Remove(ctx, CacheKey(id, user, contracts))
}

func (c *Cache) sign(ctx context.Context, inst interfaces.Instance, contracts []interfaces.ContractAddress, signer Signer) (*Artifact, error) {
	keypair, err := inst.GenerateKeypair()
	if err != nil {
		return nil, interfaces.WrapError(interfaces.CodeSignature, err, "failed to generate keypair")
	}

	start := c.now().Unix()
	typedData, err := inst.CreateEIP712(keypair.PublicKey, contracts, start, c.durationDays)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.CodeSignature, err, "failed to build authorization payload")
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	sig, err := signer.SignTypedData(ctx, typedData)
	if err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, interfaces.ErrCanceled) {
			return nil, err
		}
		return nil, interfaces.WrapError(interfaces.CodeSignature, err,
			fmt.Sprintf("signer %s refused", signer.Address().Hex()))
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	return &Artifact{
		NetworkID:         inst.NetworkID(),
		PublicKey:         keypair.PublicKey,
		PrivateKey:        keypair.PrivateKey,
		Signature:         sig,
		ContractAddresses: contracts,
		UserAddress:       signer.Address(),
		StartTimestamp:    start,
		DurationDays:      c.durationDays,
	}, nil
}
