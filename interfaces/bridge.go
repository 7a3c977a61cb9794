package interfaces

import "context"

// NetworkConfig describes a production network: where to reach it and the
// FHEVM contracts deployed on it.
type NetworkConfig struct {
	NetworkID  NetworkID `koanf:"network_id" json:"networkId"`
	RPCURL     string    `koanf:"rpc_url" json:"rpcUrl"`
	RelayerURL string    `koanf:"relayer_url" json:"relayerUrl"`

	// ACLAddress is kept as text so a malformed value surfaces as INVALID_ACL_ADDRESS.
	ACLAddress           string `koanf:"acl_address" json:"aclAddress"`
	KMSVerifierAddress   string `koanf:"kms_verifier_address" json:"kmsVerifierAddress"`
	InputVerifierAddress string `koanf:"input_verifier_address" json:"inputVerifierAddress"`

	// GatewayChainID and VerifyingContractDecryption form the EIP-712 domain of
	// user decryption requests.
	GatewayChainID              uint64 `koanf:"gateway_chain_id" json:"gatewayChainId"`
	VerifyingContractDecryption string `koanf:"verifying_contract_decryption" json:"verifyingContractDecryption"`
}

// PublicKeyParams is the network public key and public parameters an
// instance needs to encrypt inputs.
type PublicKeyParams struct {
	PublicKeyID    string `json:"publicKeyId"`
	PublicKey      []byte `json:"publicKey"`
	PublicParamsID string `json:"publicParamsId"`
	PublicParams   []byte `json:"publicParams"`
}

// Bridge hosts the production encryption path.
type Bridge interface {
	// Init loads the encryption engine. It is called at most once successfully.
	Init(ctx context.Context) error

	// FetchPublicKey downloads the public key and parameters of a network.
	FetchPublicKey(ctx context.Context, cfg NetworkConfig) (*PublicKeyParams, error)

	// NewInstance constructs a production instance.
	NewInstance(ctx context.Context, cfg NetworkConfig, key *PublicKeyParams) (Instance, error)
}

// SimulatedConfig is what a simulated instance is built from.
type SimulatedConfig struct {
	NetworkID            NetworkID
	EndpointURL          string
	ACLAddress           ContractAddress
	InputVerifierAddress ContractAddress
	KMSVerifierAddress   ContractAddress
}

// SimulatedFactory constructs instances backed by a local development node.
type SimulatedFactory interface {
	NewSimulatedInstance(ctx context.Context, cfg SimulatedConfig) (Instance, error)
}
