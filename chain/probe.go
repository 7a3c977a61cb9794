package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/fhevm-session/interfaces"
)

// DefaultCompatibleClient is the development node a simulated network must run.
const DefaultCompatibleClient = "hardhat"

// NodeMetadata is what a compatible development node reports about its FHEVM
// deployment.
type NodeMetadata struct {
	ClientVersion        string
	ACLAddress           interfaces.ContractAddress
	InputVerifierAddress interfaces.ContractAddress
	KMSVerifierAddress   interfaces.ContractAddress
}

type relayerMetadata struct {
	ACLAddress           string `json:"ACLAddress"`
	InputVerifierAddress string `json:"InputVerifierAddress"`
	KMSVerifierAddress   string `json:"KMSVerifierAddress"`
}

// Probe checks that endpoint runs a compatible development node and returns its
// FHEVM contract metadata. Failures are WEB3_CLIENTVERSION_ERROR or
// FHEVM_RELAYER_METADATA_ERROR; cancellation returns ErrCanceled.
func (r *Resolver) Probe(ctx context.Context, endpoint string) (*NodeMetadata, error) {
	if err := interfaces.CheckCanceled(ctx); err != nil {
		return nil, err
	}

	client, closeFn, err := r.dial(ctx, endpoint)
	if err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, interfaces.WrapError(interfaces.CodeWeb3ClientVersion, err,
			fmt.Sprintf("failed to reach %s", endpoint))
	}
	defer closeFn()

	var version string
	if err := client.CallContext(ctx, &version, "web3_clientVersion"); err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, interfaces.WrapError(interfaces.CodeWeb3ClientVersion, err,
			fmt.Sprintf("web3_clientVersion on %s failed", endpoint))
	}
	if !strings.Contains(strings.ToLower(version), strings.ToLower(r.compatibleClient)) {
		return nil, interfaces.NewError(interfaces.CodeWeb3ClientVersion,
			"%s is not a %s node (client version %q)", endpoint, r.compatibleClient, version)
	}

	var raw relayerMetadata
	if err := client.CallContext(ctx, &raw, "fhevm_relayer_metadata"); err != nil {
		if cerr := interfaces.CheckCanceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, interfaces.WrapError(interfaces.CodeRelayerMetadata, err,
			fmt.Sprintf("fhevm_relayer_metadata on %s failed", endpoint))
	}

	meta := &NodeMetadata{ClientVersion: version}
	fields := []struct {
		name  string
		value string
		dst   *interfaces.ContractAddress
	}{
		{"ACLAddress", raw.ACLAddress, &meta.ACLAddress},
		{"InputVerifierAddress", raw.InputVerifierAddress, &meta.InputVerifierAddress},
		{"KMSVerifierAddress", raw.KMSVerifierAddress, &meta.KMSVerifierAddress},
	}
	for _, f := range fields {
		if !common.IsHexAddress(f.value) {
			return nil, interfaces.NewError(interfaces.CodeRelayerMetadata,
				"%s returned invalid %s %q", endpoint, f.name, f.value)
		}
		*f.dst = interfaces.ContractAddress(common.HexToAddress(f.value))
	}

	r.log.Debug("Probed simulated node",
		slog.String("endpoint", endpoint),
		slog.String("clientVersion", version),
		slog.String("acl", meta.ACLAddress.Hex()))

	return meta, nil
}
