package interfaces

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// NetworkID is the numeric chain identifier reported by eth_chainId.
type NetworkID uint64

// String returns the decimal representation.
func (id NetworkID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ContractAddress represents an Ethereum contract or account address.
type ContractAddress [20]byte

// NewContractAddressFromBytes creates a new contract address from a byte slice.
func NewContractAddressFromBytes(addr []byte) (ContractAddress, error) {
	if len(addr) != 20 {
		return ContractAddress{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res ContractAddress
	copy(res[:], addr)
	return res, nil
}

// NewContractAddressFromHex parses a 40-character hex string, with or without 0x prefix.
func NewContractAddressFromHex(addr string) (ContractAddress, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(clean) != 40 {
		return ContractAddress{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContractAddress{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewContractAddressFromBytes(addrBytes)
}

// String returns the hex string representation of the address without 0x prefix.
func (addr ContractAddress) String() string {
	return hex.EncodeToString(addr[:])
}

// Hex returns the EIP-55 checksummed representation.
func (addr ContractAddress) Hex() string {
	return common.Address(addr).Hex()
}

// Bytes returns the raw 20-byte address.
func (addr ContractAddress) Bytes() []byte {
	return addr[:]
}

// Common converts the address to the go-ethereum representation.
func (addr ContractAddress) Common() common.Address {
	return common.Address(addr)
}

// MarshalText encodes the address as checksummed hex.
func (addr ContractAddress) MarshalText() ([]byte, error) {
	return []byte(addr.Hex()), nil
}

// UnmarshalText decodes a hex address.
func (addr *ContractAddress) UnmarshalText(text []byte) error {
	parsed, err := NewContractAddressFromHex(string(text))
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}

// Status is the lifecycle state of the session's instance.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusIdle, StatusLoading, StatusReady, StatusError} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Handle is an opaque reference to an encrypted value held by a contract.
type Handle [32]byte

// Hex returns the 0x-prefixed hex representation.
func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText encodes the handle as 0x-prefixed hex.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a 0x-prefixed hex handle.
func (h *Handle) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid handle: %w", err)
	}
	if len(raw) != 32 {
		return errors.New("invalid handle length: must be 32 bytes")
	}
	copy(h[:], raw)
	return nil
}

// FheType identifies the plaintext type behind a handle.
type FheType uint8

const (
	FheBool    FheType = 0
	FheUint8   FheType = 2
	FheUint16  FheType = 3
	FheUint32  FheType = 4
	FheUint64  FheType = 5
	FheUint128 FheType = 6
	FheAddress FheType = 7
	FheUint256 FheType = 8
)

// BitWidth returns the plaintext width in bits, or 0 for unknown types.
func (t FheType) BitWidth() int {
	switch t {
	case FheBool:
		return 1
	case FheUint8:
		return 8
	case FheUint16:
		return 16
	case FheUint32:
		return 32
	case FheUint64:
		return 64
	case FheUint128:
		return 128
	case FheAddress:
		return 160
	case FheUint256:
		return 256
	default:
		return 0
	}
}

// InputValue is a single plaintext added to an encrypted input.
type InputValue struct {
	Type  FheType
	Value *big.Int
}

// EncryptedInput is the result of encrypt-input construction: one handle per
// value plus the proof the contract verifies.
type EncryptedInput struct {
	Handles    []Handle
	InputProof []byte
}

// HandleContractPair binds a ciphertext handle to the contract exposing it.
type HandleContractPair struct {
	Handle          Handle          `json:"handle"`
	ContractAddress ContractAddress `json:"contractAddress"`
}

// Keypair is the ephemeral key pair a user decryption is re-encrypted to.
type Keypair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// UserDecryptRequest carries everything needed to decrypt on behalf of a user.
type UserDecryptRequest struct {
	Handles           []HandleContractPair
	PrivateKey        []byte
	PublicKey         []byte
	Signature         []byte
	ContractAddresses []ContractAddress
	UserAddress       ContractAddress
	StartTimestamp    int64
	DurationDays      int64
}

// Instance is the per-network cryptographic context.
type Instance interface {
	// NetworkID returns the network the instance is bound to.
	NetworkID() NetworkID

	// GenerateKeypair derives a fresh ephemeral key pair.
	GenerateKeypair() (Keypair, error)

	// CreateEIP712 builds the structured payload a user signs to authorize decryption.
	CreateEIP712(publicKey []byte, contracts []ContractAddress, startTimestamp int64, durationDays int64) (apitypes.TypedData, error)

	// EncryptInput encrypts values for use as inputs to contract at the given user.
	EncryptInput(ctx context.Context, contract ContractAddress, user ContractAddress, values []InputValue) (*EncryptedInput, error)

	// UserDecrypt resolves handles to plaintext using a signed authorization.
	UserDecrypt(ctx context.Context, req *UserDecryptRequest) (map[Handle]*big.Int, error)
}
