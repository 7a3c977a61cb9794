// Package interfaces defines core interfaces and types for the FHE session
// manager, separating interface definitions from implementations.
//
// # Session Types
//
//   - NetworkID: numeric chain identifier
//   - ContractAddress: 20-byte Ethereum address
//   - Status: closed lifecycle enum (idle, loading, ready, error)
//   - Instance: per-network cryptographic context used to encrypt inputs and
//     decrypt handles
//
// # Storage Interfaces
//
// KeyValueStore: byte-level store that the namespaced storage adapter wraps.
// Implementations live in the storage package (memory, file, Badger, S3, Vault, IPFS).
//
// # Errors
//
// Error carries one of the short codes (CHAIN_NOT_CONFIGURED, SSR_NOT_SUPPORTED,
// SIGNATURE_EXPIRED, ...). The exported Err* values match any error with the
// same code under errors.Is. ErrCanceled is distinct from all coded errors.
package interfaces
