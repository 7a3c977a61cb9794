// Package cryptoutils seals values at rest: a passphrase is stretched with
// argon2id into an AES-256 key and values are encrypted with AES-GCM.
package cryptoutils
