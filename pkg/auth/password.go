package auth

import (
	"crypto/sha512"
	"encoding/hex"
)

// HashPassword returns the lowercase SHA-512 hex digest of password, unless
// password already looks like one, in which case it is returned unchanged so
// an already-hashed value round-trips: HashPassword(HashPassword(p)) == HashPassword(p).
//
// crypto/sha512 is stdlib: no library in the example pack offers a SHA-512
// digest, and the platform's wire contract pins this exact algorithm, so
// there is no third-party candidate to prefer here (see DESIGN.md).
func HashPassword(password string) string {
	if isHexSHA512(password) {
		return password
	}
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}
