// Package authz caches the signed, time-boxed authorization a user gives to
// decrypt values of a set of contracts.
package authz

import (
	"bytes"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/fhevm-session/interfaces"
)

const secondsPerDay = 24 * 60 * 60

// Artifact is a signed decryption authorization. It is never modified after
// minting; a new artifact replaces it.
type Artifact struct {
	NetworkID         interfaces.NetworkID         `json:"networkId"`
	PublicKey         hexutil.Bytes                `json:"publicKey"`
	PrivateKey        hexutil.Bytes                `json:"privateKey"`
	Signature         hexutil.Bytes                `json:"signature"`
	ContractAddresses []interfaces.ContractAddress `json:"contractAddresses"`
	UserAddress       interfaces.ContractAddress   `json:"userAddress"`
	StartTimestamp    int64                        `json:"startTimestamp"`
	DurationDays      int64                        `json:"durationDays"`
}

// ExpiresAt returns the first instant the artifact is no longer valid.
func (a *Artifact) ExpiresAt() time.Time {
	return time.Unix(a.StartTimestamp+a.DurationDays*secondsPerDay, 0)
}

// IsValid reports whether the artifact is still valid at now.
func (a *Artifact) IsValid(now time.Time) bool {
	return now.Unix() < a.StartTimestamp+a.DurationDays*secondsPerDay
}

// Covers reports whether every contract is authorized by the artifact.
func (a *Artifact) Covers(contracts []interfaces.ContractAddress) bool {
	for _, c := range contracts {
		if !slices.Contains(a.ContractAddresses, c) {
			return false
		}
	}
	return true
}

// DecryptRequest builds a user decryption request for handles.
func (a *Artifact) DecryptRequest(handles []interfaces.HandleContractPair) *interfaces.UserDecryptRequest {
	return &interfaces.UserDecryptRequest{
		Handles:           handles,
		PrivateKey:        a.PrivateKey,
		PublicKey:         a.PublicKey,
		Signature:         a.Signature,
		ContractAddresses: slices.Clone(a.ContractAddresses),
		UserAddress:       a.UserAddress,
		StartTimestamp:    a.StartTimestamp,
		DurationDays:      a.DurationDays,
	}
}

// NormalizeContracts returns the contracts deduplicated and sorted by address.
func NormalizeContracts(contracts []interfaces.ContractAddress) []interfaces.ContractAddress {
	out := slices.Clone(contracts)
	slices.SortFunc(out, func(a, b interfaces.ContractAddress) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(out)
}
