// Package shard provides hash-distributed partition keys for sentinel records.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RegionComboHash computes a hash-distributed key for a region combination.
// Parts are normalized (trimmed, upper-cased) and joined with '#' before
// hashing, so the same combination always lands on the same partition.
func RegionComboHash(parts ...string) string {
	norm := make([]string, len(parts))
	for i, p := range parts {
		norm[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	h := sha256.Sum256([]byte(strings.Join(norm, "#")))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}
