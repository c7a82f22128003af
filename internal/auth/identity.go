package auth

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashIdentity turns an author e-mail into a stable opaque id. The address
// is normalized and hashed with a keyed BLAKE2b-256 so the raw value never
// needs to be stored. Empty input yields an empty hash.
func HashIdentity(key []byte, email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	// keys longer than 64 bytes are rejected by blake2b
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// unreachable: key length is bounded above
		panic(err)
	}
	h.Write([]byte(email))
	return hex.EncodeToString(h.Sum(nil))
}
