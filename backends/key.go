package backends

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key is the filesystem-safe cache key of a resource: the lowercase hex
// SHA-256 of its URL.
type Key string

const keyLen = sha256.Size * 2

// KeyFor derives the cache key for a resource identifier.
func KeyFor(url string) Key {
	hash := sha256.Sum256([]byte(url))
	return Key(hex.EncodeToString(hash[:]))
}

// ParseKey validates a file name read back from the cache directory.
func ParseKey(name string) (Key, bool) {
	if len(name) != keyLen {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return Key(name), true
}

// Short returns an abbreviated form for logs.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

func (k Key) String() string {
	return string(k)
}
