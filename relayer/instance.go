package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/interfaces"
)

// Instance is a production instance backed by a relayer.
type Instance struct {
	cfg               interfaces.NetworkConfig
	key               *interfaces.PublicKeyParams
	verifyingContract interfaces.ContractAddress
	engine            Engine
	client            *Client
	log               *slog.Logger
}

// NewInstance creates a production instance.
func NewInstance(cfg interfaces.NetworkConfig, key *interfaces.PublicKeyParams, engine Engine, client *Client, log *slog.Logger) (*Instance, error) {
	if key == nil || len(key.PublicKey) == 0 {
		return nil, errors.New("missing network public key")
	}
	if cfg.RelayerURL == "" {
		return nil, fmt.Errorf("no relayer URL for network %d", cfg.NetworkID)
	}
	if !common.IsHexAddress(cfg.VerifyingContractDecryption) {
		return nil, fmt.Errorf("invalid decryption verifying contract %q", cfg.VerifyingContractDecryption)
	}

	return &Instance{
		cfg:               cfg,
		key:               key,
		verifyingContract: interfaces.ContractAddress(common.HexToAddress(cfg.VerifyingContractDecryption)),
		engine:            engine,
		client:            client,
		log:               log,
	}, nil
}

func (i *Instance) NetworkID() interfaces.NetworkID {
	return i.cfg.NetworkID
}

func (i *Instance) GenerateKeypair() (interfaces.Keypair, error) {
	return i.engine.GenerateKeypair()
}

// CreateEIP712 builds the user decryption payload in the gateway chain domain.
func (i *Instance) CreateEIP712(publicKey []byte, contracts []interfaces.ContractAddress, startTimestamp, durationDays int64) (apitypes.TypedData, error) {
	if len(publicKey) == 0 {
		return apitypes.TypedData{}, errors.New("empty public key")
	}
	if len(contracts) == 0 {
		return apitypes.TypedData{}, errors.New("no contract addresses")
	}
	return authz.NewUserDecryptTypedData(i.cfg.GatewayChainID, i.verifyingContract, publicKey, contracts, startTimestamp, durationDays), nil
}

// EncryptInput encrypts values locally and has the relayer verify them. The
// returned proof is numHandles || numSignatures || handles || signatures.
func (i *Instance) EncryptInput(ctx context.Context, contract, user interfaces.ContractAddress, values []interfaces.InputValue) (*interfaces.EncryptedInput, error) {
	ciphertext, err := i.engine.EncryptInput(i.key, i.cfg, contract, user, values)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt input: %w", err)
	}
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	resp, err := i.client.InputProof(ctx, &InputProofRequest{
		ContractAddress:                 contract.Hex(),
		UserAddress:                     user.Hex(),
		CiphertextWithInputVerification: ciphertext,
		ContractChainID:                 hexutil.Uint64(i.cfg.NetworkID),
		ExtraData:                       []byte{0},
	})
	if err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	if len(resp.Response.Handles) != len(values) {
		return nil, fmt.Errorf("%w: %d handles for %d values", ErrRelayer, len(resp.Response.Handles), len(values))
	}

	out := &interfaces.EncryptedInput{Handles: make([]interfaces.Handle, len(values))}
	proof := []byte{byte(len(resp.Response.Handles)), byte(len(resp.Response.Signatures))}
	for idx, raw := range resp.Response.Handles {
		if err := out.Handles[idx].UnmarshalText([]byte(ensure0x(raw))); err != nil {
			return nil, fmt.Errorf("%w: handle %d: %v", ErrRelayer, idx, err)
		}
		proof = append(proof, out.Handles[idx][:]...)
	}
	for idx, raw := range resp.Response.Signatures {
		sig, err := hexutil.Decode(ensure0x(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrRelayer, idx, err)
		}
		proof = append(proof, sig...)
	}
	out.InputProof = proof
	return out, nil
}

// UserDecrypt collects decryption shares for the request and reconstructs
// the plaintexts.
func (i *Instance) UserDecrypt(ctx context.Context, req *interfaces.UserDecryptRequest) (map[interfaces.Handle]*big.Int, error) {
	pairs := make([]HandleContractPair, len(req.Handles))
	for idx, p := range req.Handles {
		pairs[idx] = HandleContractPair{Handle: p.Handle.Hex(), ContractAddress: p.ContractAddress.Hex()}
	}
	contracts := make([]string, len(req.ContractAddresses))
	for idx, c := range req.ContractAddresses {
		contracts[idx] = c.Hex()
	}

	shares, err := i.client.UserDecrypt(ctx, &UserDecryptRequest{
		HandleContractPairs: pairs,
		RequestValidity: RequestValidity{
			StartTimestamp: strconv.FormatInt(req.StartTimestamp, 10),
			DurationDays:   strconv.FormatInt(req.DurationDays, 10),
		},
		ContractsChainID:  strconv.FormatUint(uint64(i.cfg.NetworkID), 10),
		ContractAddresses: contracts,
		UserAddress:       req.UserAddress.Hex(),
		Signature:         hexutil.Encode(req.Signature)[2:],
		PublicKey:         hexutil.Encode(req.PublicKey)[2:],
		ExtraData:         "0x00",
	})
	if err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	i.log.Debug("Received decryption shares",
		slog.Int("handles", len(req.Handles)),
		slog.Int("shares", len(shares)))

	kp := interfaces.Keypair{PublicKey: req.PublicKey, PrivateKey: req.PrivateKey}
	return i.engine.DecryptShares(kp, req.Handles, shares)
}

func ensure0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s
	}
	return "0x" + s
}
