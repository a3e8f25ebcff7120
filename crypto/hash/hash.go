// Package hash includes all SHA-256 hashing used across the ledger protocol.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash defines a function that returns the sha256 checksum of the data passed in.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Hex returns the lowercase hex encoding of the sha256 checksum, the form
// every hash travels in on the wire and in the database.
func Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
