// Package mock provides the lightweight instance used on simulated networks.
// Inputs are "encrypted" into deterministic handles backed by a local
// plaintext table, and user decryption checks the signed authorization the
// same way the production path does before revealing values.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/interfaces"
)

// MaxInputBits is the total plaintext width accepted in one encrypted input.
const MaxInputBits = 2048

// HandleVersion is stored in the last byte of every handle.
const HandleVersion = 0

var (
	// ErrUnknownHandle is returned when a handle has no registered plaintext.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")

	// ErrInvalidInput is returned for values that do not fit their type.
	ErrInvalidInput = errors.New("invalid input value")

	ErrContractNotAllowed   = errors.New("contract is not covered by the authorization")
	ErrAuthorizationExpired = errors.New("authorization is not valid at this time")
)

type plaintext struct {
	typ      interfaces.FheType
	value    *big.Int
	contract interfaces.ContractAddress
}

// Instance is a simulated-network instance.
type Instance struct {
	cfg interfaces.SimulatedConfig
	now func() time.Time
	log *slog.Logger

	mu     sync.RWMutex
	values map[interfaces.Handle]plaintext
	nonce  uint64
}

// NewInstance creates a simulated instance.
func NewInstance(cfg interfaces.SimulatedConfig, log *slog.Logger) *Instance {
	if log == nil {
		log = slog.Default()
	}
	return &Instance{
		cfg:    cfg,
		now:    time.Now,
		log:    log,
		values: make(map[interfaces.Handle]plaintext),
	}
}

func (i *Instance) NetworkID() interfaces.NetworkID {
	return i.cfg.NetworkID
}

// Config returns the configuration the instance was built from.
func (i *Instance) Config() interfaces.SimulatedConfig {
	return i.cfg
}

// GenerateKeypair returns a fresh secp256k1 key pair.
func (i *Instance) GenerateKeypair() (interfaces.Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return interfaces.Keypair{}, err
	}
	return interfaces.Keypair{
		PublicKey:  crypto.FromECDSAPub(&key.PublicKey),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

// CreateEIP712 builds the user decryption payload with the KMS verifier as
// verifying contract.
func (i *Instance) CreateEIP712(publicKey []byte, contracts []interfaces.ContractAddress, startTimestamp, durationDays int64) (apitypes.TypedData, error) {
	if len(publicKey) == 0 {
		return apitypes.TypedData{}, errors.New("empty public key")
	}
	if len(contracts) == 0 {
		return apitypes.TypedData{}, errors.New("no contract addresses")
	}
	return authz.NewUserDecryptTypedData(uint64(i.cfg.NetworkID), i.cfg.KMSVerifierAddress, publicKey, contracts, startTimestamp, durationDays), nil
}

// EncryptInput registers values for contract and user and returns their handles.
func (i *Instance) EncryptInput(ctx context.Context, contract, user interfaces.ContractAddress, values []interfaces.InputValue) (*interfaces.EncryptedInput, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no values", ErrInvalidInput)
	}

	var bits int
	for idx, v := range values {
		width := v.Type.BitWidth()
		if width == 0 {
			return nil, fmt.Errorf("%w: value %d has unknown type %d", ErrInvalidInput, idx, v.Type)
		}
		if v.Value == nil || v.Value.Sign() < 0 || v.Value.BitLen() > width {
			return nil, fmt.Errorf("%w: value %d does not fit %d bits", ErrInvalidInput, idx, width)
		}
		bits += width
	}
	if bits > MaxInputBits {
		return nil, fmt.Errorf("%w: %d bits exceed the %d bit limit", ErrInvalidInput, bits, MaxInputBits)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.nonce++
	seed := make([]byte, 0, 20+20+8+8)
	seed = append(seed, contract[:]...)
	seed = append(seed, user[:]...)
	seed = binary.BigEndian.AppendUint64(seed, i.nonce)
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	seed = append(seed, salt[:]...)
	digest := crypto.Keccak256(seed)

	out := &interfaces.EncryptedInput{Handles: make([]interfaces.Handle, len(values))}
	proof := []byte{byte(len(values))}
	for idx, v := range values {
		h := i.handle(digest, idx, v.Type)
		i.values[h] = plaintext{typ: v.Type, value: new(big.Int).Set(v.Value), contract: contract}
		out.Handles[idx] = h
		proof = append(proof, h[:]...)
	}
	out.InputProof = proof

	i.log.Debug("Encrypted simulated input",
		slog.String("contract", contract.Hex()),
		slog.Int("values", len(values)))
	return out, nil
}

// handle lays out keccak(digest, index) with the chain id in bytes 22..29,
// the type in byte 30 and the version in byte 31.
func (i *Instance) handle(digest []byte, index int, typ interfaces.FheType) interfaces.Handle {
	var h interfaces.Handle
	copy(h[:], crypto.Keccak256(digest, []byte{byte(index)}))
	binary.BigEndian.PutUint64(h[22:30], uint64(i.cfg.NetworkID))
	h[30] = byte(typ)
	h[31] = HandleVersion
	return h
}

// SetPlaintext registers the value behind a handle exposed by contract, as a
// contract computation on the simulated node would.
func (i *Instance) SetPlaintext(h interfaces.Handle, contract interfaces.ContractAddress, typ interfaces.FheType, value *big.Int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.values[h] = plaintext{typ: typ, value: new(big.Int).Set(value), contract: contract}
}

// UserDecrypt reveals handles after checking the authorization: it must be
// signed by the user, valid now and cover every handle's contract.
func (i *Instance) UserDecrypt(ctx context.Context, req *interfaces.UserDecryptRequest) (map[interfaces.Handle]*big.Int, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	now := i.now().Unix()
	if now < req.StartTimestamp || now >= req.StartTimestamp+req.DurationDays*24*60*60 {
		return nil, ErrAuthorizationExpired
	}

	typedData, err := i.CreateEIP712(req.PublicKey, req.ContractAddresses, req.StartTimestamp, req.DurationDays)
	if err != nil {
		return nil, err
	}
	if err := authz.VerifySignature(typedData, req.Signature, req.UserAddress); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[interfaces.Handle]*big.Int, len(req.Handles))
	for _, pair := range req.Handles {
		if !slices.Contains(req.ContractAddresses, pair.ContractAddress) {
			return nil, fmt.Errorf("%w: %s", ErrContractNotAllowed, pair.ContractAddress.Hex())
		}
		pt, ok := i.values[pair.Handle]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, pair.Handle.Hex())
		}
		if pt.contract != pair.ContractAddress {
			return nil, fmt.Errorf("%w: %s is not held by %s", ErrContractNotAllowed, pair.Handle.Hex(), pair.ContractAddress.Hex())
		}
		out[pair.Handle] = new(big.Int).Set(pt.value)
	}
	return out, nil
}

// Factory builds simulated instances for the instance manager.
type Factory struct {
	log *slog.Logger
	now func() time.Time
}

// NewFactory creates a simulated instance factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log, now: time.Now}
}

// WithClock makes built instances use now to check authorization validity.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

func (f *Factory) NewSimulatedInstance(ctx context.Context, cfg interfaces.SimulatedConfig) (interfaces.Instance, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}
	inst := NewInstance(cfg, f.log)
	inst.now = f.now
	return inst, nil
}
