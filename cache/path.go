package cache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// maxShardLevels bounds the directory depth of the sharded trees.
const maxShardLevels = 20

// hashKey returns the hex sha256 digest of a request URI. Entry locations
// are derived from this, so one URI maps to exactly one entry path.
func hashKey(uri string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(uri)))
}

// randomKey returns a fresh random 256-bit value in hex. Body locations use
// this instead of the URI hash so a body file is written exactly once and
// linked in atomically, without coordinating with any entry already at the
// same key.
func randomKey() string {
	b := make([]byte, sha256.Size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// shardPath turns a hex digest into a relative path: the first levels
// characters become nested single-character directories and the remainder
// is the file name. This bounds directory fan-out for large caches.
func shardPath(digest string, levels int) string {
	parts := make([]string, 0, levels+1)
	for i := 0; i < levels; i++ {
		parts = append(parts, digest[i:i+1])
	}
	parts = append(parts, digest[levels:])
	return filepath.Join(parts...)
}

// clamp limits value to the range [min, max].
func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
