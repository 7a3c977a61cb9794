package authz

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ruteri/fhevm-session/interfaces"
)

// Signer produces EIP-712 signatures for a user address.
type Signer interface {
	Address() interfaces.ContractAddress
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address interfaces.ContractAddress
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: interfaces.ContractAddress(crypto.PubkeyToAddress(key.PublicKey)),
	}
}

// NewKeySignerFromHex parses a hex private key, with or without 0x prefix.
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	if len(hexKey) > 1 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() interfaces.ContractAddress {
	return s.address
}

// SignTypedData returns a 65-byte [R || S || V] signature with V in {27, 28}.
func (s *KeySigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over data.
func RecoverSigner(data apitypes.TypedData, sig []byte) (interfaces.ContractAddress, error) {
	if len(sig) != crypto.SignatureLength {
		return interfaces.ContractAddress{}, errors.New("invalid signature length")
	}

	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return interfaces.ContractAddress{}, fmt.Errorf("failed to hash typed data: %w", err)
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return interfaces.ContractAddress{}, err
	}
	return interfaces.ContractAddress(crypto.PubkeyToAddress(*pub)), nil
}

// VerifySignature checks that sig over data was produced by expected.
func VerifySignature(data apitypes.TypedData, sig []byte, expected interfaces.ContractAddress) error {
	signer, err := RecoverSigner(data, sig)
	if err != nil {
		return interfaces.WrapError(interfaces.CodeSignature, err, "failed to recover signer")
	}
	if signer != expected {
		return interfaces.NewError(interfaces.CodeSignature,
			"signed by %s, expected %s", signer.Hex(), expected.Hex())
	}
	return nil
}
