package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ruteri/fhevm-session/interfaces"
)

const (
	// LocalNetworkID is the conventional id of a local development chain.
	LocalNetworkID interfaces.NetworkID = 31337

	// LocalEndpointURL is the default endpoint of the local development chain.
	LocalEndpointURL = "http://localhost:8545"
)

// ErrEmptyHandle is returned when a handle carries neither a provider nor a URL.
var ErrEmptyHandle = errors.New("network handle has no provider and no URL")

// Requester is the RPC call surface of a provider.
type Requester interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Handle identifies a network either through a live provider or an endpoint URL.
// When both are set the provider is used for requests and URL is kept as the
// explicit endpoint of a simulated network.
type Handle struct {
	Provider Requester
	URL      string
}

// URLHandle returns a handle for a bare endpoint URL.
func URLHandle(url string) Handle {
	return Handle{URL: url}
}

// ProviderHandle returns a handle for a live provider.
func ProviderHandle(p Requester) Handle {
	return Handle{Provider: p}
}

// IsZero reports whether the handle is empty.
func (h Handle) IsZero() bool {
	return h.Provider == nil && h.URL == ""
}

func (h Handle) String() string {
	if h.URL != "" {
		return h.URL
	}
	if h.Provider != nil {
		return "provider"
	}
	return "<empty>"
}

// Resolution is the classification of a network handle.
type Resolution struct {
	NetworkID   interfaces.NetworkID
	IsSimulated bool
	// EndpointURL is set only for simulated networks.
	EndpointURL string
}

// DialFunc opens an RPC connection to url. The returned close func releases it.
type DialFunc func(ctx context.Context, url string) (Requester, func(), error)

// DialRPC dials url with the go-ethereum RPC client.
func DialRPC(ctx context.Context, url string) (Requester, func(), error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// Resolver classifies network handles against a simulation table.
type Resolver struct {
	simulation       map[interfaces.NetworkID]string
	dial             DialFunc
	compatibleClient string
	log              *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDialer replaces the RPC dialer used for URL handles and probes.
func WithDialer(dial DialFunc) ResolverOption {
	return func(r *Resolver) {
		r.dial = dial
	}
}

// WithCompatibleClient sets the substring a simulated node's web3_clientVersion
// must contain. Defaults to "hardhat".
func WithCompatibleClient(name string) ResolverOption {
	return func(r *Resolver) {
		r.compatibleClient = name
	}
}

// NewResolver creates a resolver. The simulation table is merged over the
// built-in local development entry, so an explicit entry for 31337 wins.
func NewResolver(simulation map[interfaces.NetworkID]string, log *slog.Logger, opts ...ResolverOption) *Resolver {
	if log == nil {
		log = slog.Default()
	}

	table := map[interfaces.NetworkID]string{LocalNetworkID: LocalEndpointURL}
	maps.Copy(table, simulation)

	r := &Resolver{
		simulation:       table,
		dial:             DialRPC,
		compatibleClient: DefaultCompatibleClient,
		log:              log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SimulationTable returns a copy of the merged simulation table.
func (r *Resolver) SimulationTable() map[interfaces.NetworkID]string {
	return maps.Clone(r.simulation)
}

// SimulationEndpoint returns the configured endpoint for a simulated network id.
func (r *Resolver) SimulationEndpoint(id interfaces.NetworkID) (string, bool) {
	url, ok := r.simulation[id]
	return url, ok
}

// ChainID requests the network id from the handle's provider or endpoint.
func (r *Resolver) ChainID(ctx context.Context, h Handle) (interfaces.NetworkID, error) {
	if h.IsZero() {
		return 0, ErrEmptyHandle
	}

	provider := h.Provider
	if provider == nil {
		client, closeFn, err := r.dial(ctx, h.URL)
		if err != nil {
			if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
				return 0, cerr
			}
			return 0, fmt.Errorf("failed to dial %s: %w", h.URL, err)
		}
		defer closeFn()
		provider = client
	}

	var chainID hexutil.Uint64
	if err := provider.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return 0, cerr
		}
		return 0, fmt.Errorf("eth_chainId on %s failed: %w", h, err)
	}
	return interfaces.NetworkID(chainID), nil
}

// Resolve determines the network id of h and whether it is a simulated network.
func (r *Resolver) Resolve(ctx context.Context, h Handle) (Resolution, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return Resolution{}, err
	}

	id, err := r.ChainID(ctx, h)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{NetworkID: id}
	if tableURL, ok := r.simulation[id]; ok {
		res.IsSimulated = true
		res.EndpointURL = tableURL
		if h.URL != "" {
			res.EndpointURL = h.URL
		}
	}

	r.log.Debug("Resolved network",
		slog.String("handle", h.String()),
		slog.Uint64("networkId", uint64(id)),
		slog.Bool("simulated", res.IsSimulated))

	return res, nil
}
