// Package chain resolves a network handle to a network id and classifies it
// as simulated or production.
//
// A Handle is either a live RPC provider (anything with CallContext, such as a
// go-ethereum *rpc.Client) or a bare endpoint URL. Resolve issues eth_chainId
// and looks the id up in the simulation table, which always contains the local
// development chain 31337 at http://localhost:8545. Resolve has no side effects
// beyond the RPC call, so the same handle always yields the same Resolution.
//
// Probe asks a simulated endpoint for its client version and FHEVM contract
// metadata. A failed probe is not fatal to acquisition; the caller falls back
// to the production path.
package chain
