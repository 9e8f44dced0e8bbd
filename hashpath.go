package sboxd

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// HashPath generates a multi-level directory path from a hash string, so
// many sibling entries never pile up in one directory.
//
// Example: HashPath("abc123def456") → "ab/c1/23/abc123def456"
func HashPath(hash string) string {
	if len(hash) < 6 {
		return hash
	}
	return filepath.Join(hash[0:2], hash[2:4], hash[4:6], hash)
}

// KeyPath hashes an arbitrary key (a share endpoint, an account id) and
// lays it out with HashPath. The digest is truncated to 16 hex chars.
func KeyPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return HashPath(hex.EncodeToString(sum[:])[:16])
}
