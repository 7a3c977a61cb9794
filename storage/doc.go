// Package storage provides the namespaced storage adapter and the key-value
// stores it can sit on.
//
// The Adapter prefixes every logical key with a namespace ("<namespace>.<key>")
// and passes values through a Serializer. The DefaultSerializer tags
// arbitrary-precision integers as "bigint::<decimal>" and byte slices as
// "uint8array::<b0>,<b1>,..." and encodes everything else as JSON.
//
// Writes through the Adapter are best-effort: a failing store (quota, permission,
// network) is logged and the write becomes a no-op. A nil store is replaced by
// NoopStore.
//
// # Store URI Format
//
// Stores are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://
//   - file:///var/lib/fhevm-session/
//   - badger:///var/lib/fhevm-session/db or badger://?memory=true
//   - s3://bucket-name/prefix/?region=us-west-2
//   - vault://vault.example.com:8200/secret/fhevm
//   - ipfs://127.0.0.1:5001/fhevm-session
//
// Several URIs can be combined into a MultiStore that reads from the first
// store holding a key and writes to every available store. EncryptedStore wraps
// any store and seals values with a passphrase-derived key.
package storage
