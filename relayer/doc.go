// Package relayer implements the production encryption bridge.
//
// The relayer is the HTTP service in front of the network's key management
// and input verification. The bridge discovers the network public key through
// /v1/keyurl, asks for input proofs through /v1/input-proof and collects user
// decryption shares through /v1/user-decrypt. The homomorphic encryption and
// share reconstruction run in an Engine supplied by the host.
package relayer
