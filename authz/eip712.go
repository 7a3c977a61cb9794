package authz

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ruteri/fhevm-session/interfaces"
)

// Domain of user decryption requests.
const (
	DomainName    = "Decryption"
	DomainVersion = "1"
	PrimaryType   = "UserDecryptRequestVerification"
)

// NewUserDecryptTypedData builds the structured payload a user signs to
// authorize decryption of the contracts' values with publicKey.
func NewUserDecryptTypedData(chainID uint64, verifyingContract interfaces.ContractAddress, publicKey []byte, contracts []interfaces.ContractAddress, startTimestamp, durationDays int64) apitypes.TypedData {
	addresses := make([]any, len(contracts))
	for i, c := range contracts {
		addresses[i] = c.Hex()
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			PrimaryType: {
				{Name: "publicKey", Type: "bytes"},
				{Name: "contractAddresses", Type: "address[]"},
				{Name: "startTimestamp", Type: "uint256"},
				{Name: "durationDays", Type: "uint256"},
				{Name: "extraData", Type: "bytes"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(chainID)),
			VerifyingContract: verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"publicKey":         hexutil.Encode(publicKey),
			"contractAddresses": addresses,
			"startTimestamp":    strconv.FormatInt(startTimestamp, 10),
			"durationDays":      strconv.FormatInt(durationDays, 10),
			"extraData":         "0x00",
		},
	}
}
