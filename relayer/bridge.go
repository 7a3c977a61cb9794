package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ruteri/fhevm-session/interfaces"
)

// CRSBits is the size of the public parameters requested from the relayer.
const CRSBits = "2048"

// Engine performs the homomorphic encryption and share reconstruction of the
// production path.
type Engine interface {
	// Init loads the engine.
	Init(ctx context.Context) error

	// GenerateKeypair derives a key pair decryption shares can be re-encrypted to.
	GenerateKeypair() (interfaces.Keypair, error)

	// EncryptInput encrypts values under the network key and attaches the
	// zero-knowledge proof binding them to contract, user and chain.
	EncryptInput(key *interfaces.PublicKeyParams, cfg interfaces.NetworkConfig, contract, user interfaces.ContractAddress, values []interfaces.InputValue) ([]byte, error)

	// DecryptShares reconstructs plaintexts from KMS shares re-encrypted to kp.
	DecryptShares(kp interfaces.Keypair, handles []interfaces.HandleContractPair, shares []DecryptShare) (map[interfaces.Handle]*big.Int, error)
}

// Bridge implements interfaces.Bridge on top of a relayer and an Engine.
type Bridge struct {
	engine     Engine
	httpClient *http.Client
	log        *slog.Logger
}

// NewBridge creates a relayer bridge. A nil httpClient uses the client default.
func NewBridge(engine Engine, httpClient *http.Client, log *slog.Logger) (*Bridge, error) {
	if engine == nil {
		return nil, errors.New("encryption engine is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{engine: engine, httpClient: httpClient, log: log}, nil
}

func (b *Bridge) Init(ctx context.Context) error {
	return b.engine.Init(ctx)
}

// FetchPublicKey downloads the network public key and public parameters
// advertised by the relayer.
func (b *Bridge) FetchPublicKey(ctx context.Context, cfg interfaces.NetworkConfig) (*interfaces.PublicKeyParams, error) {
	client := NewClient(cfg.RelayerURL, b.httpClient, b.log)

	urls, err := client.KeyURLs(ctx)
	if err != nil {
		return nil, err
	}
	if len(urls.Response.FheKeyInfo) == 0 || len(urls.Response.FheKeyInfo[0].FhePublicKey.URLs) == 0 {
		return nil, fmt.Errorf("%w: no public key advertised", ErrRelayer)
	}
	pkLoc := urls.Response.FheKeyInfo[0].FhePublicKey

	crsLoc, ok := urls.Response.CRS[CRSBits]
	if !ok || len(crsLoc.URLs) == 0 {
		return nil, fmt.Errorf("%w: no %s bit public parameters advertised", ErrRelayer, CRSBits)
	}

	publicKey, err := client.Download(ctx, pkLoc.URLs[0])
	if err != nil {
		return nil, err
	}
	publicParams, err := client.Download(ctx, crsLoc.URLs[0])
	if err != nil {
		return nil, err
	}

	b.log.Info("Downloaded network public key",
		slog.Uint64("networkId", uint64(cfg.NetworkID)),
		slog.String("publicKeyId", pkLoc.DataID),
		slog.Int("publicKeySize", len(publicKey)),
		slog.Int("publicParamsSize", len(publicParams)))

	return &interfaces.PublicKeyParams{
		PublicKeyID:    pkLoc.DataID,
		PublicKey:      publicKey,
		PublicParamsID: crsLoc.DataID,
		PublicParams:   publicParams,
	}, nil
}

func (b *Bridge) NewInstance(ctx context.Context, cfg interfaces.NetworkConfig, key *interfaces.PublicKeyParams) (interfaces.Instance, error) {
	inst, err := NewInstance(cfg, key, b.engine, NewClient(cfg.RelayerURL, b.httpClient, b.log), b.log)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
