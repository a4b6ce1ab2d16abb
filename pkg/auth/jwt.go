// pkg/auth/jwt.go
// Decodes the opaque bearer token issued by the platform's authentication
// endpoint. The platform is the trust boundary, so tokens are never
// cryptographically verified here — only parsed for their claims (expiry,
// audience, principal id, role) so the Token Manager can schedule refreshes
// and the Supervisor can pick a principal-specific automation path.
//
// External dependency: github.com/golang-jwt/jwt/v5 (MIT).
package auth

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded subset of a platform access token that the rest of
// gsfleet cares about.
type Claims struct {
	NotBefore   time.Time
	Expiry      time.Time
	Audience    []string
	PrincipalID string // bot "client_sub" or user "UserId"
	IsBot       bool
	Role        string
}

var (
	// ErrMalformedToken is returned when the token cannot be parsed as a JWT
	// at all (wrong number of segments, invalid base64, ...).
	ErrMalformedToken = errors.New("auth: malformed token")
)

var unverifiedParser = jwt.NewParser()

// DecodeClaims parses tokenStr without validating its signature — the
// platform's own authentication endpoint is the trust boundary, not this
// client — and returns the claims the rest of gsfleet needs.
func DecodeClaims(tokenStr string) (Claims, error) {
	var raw jwt.MapClaims
	_, _, err := unverifiedParser.ParseUnverified(tokenStr, &raw)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}

	c := Claims{}
	if exp, ok := raw["exp"]; ok {
		if sec, ok := asUnixSeconds(exp); ok {
			c.Expiry = time.Unix(sec, 0).UTC()
		}
	}
	if nbf, ok := raw["nbf"]; ok {
		if sec, ok := asUnixSeconds(nbf); ok {
			c.NotBefore = time.Unix(sec, 0).UTC()
		}
	}
	if aud, ok := raw["aud"]; ok {
		c.Audience = asStringSlice(aud)
	}
	if sub, ok := raw["client_sub"].(string); ok && sub != "" {
		c.PrincipalID = sub
		c.IsBot = true
	} else if uid, ok := raw["UserId"].(string); ok && uid != "" {
		c.PrincipalID = uid
		c.IsBot = false
	} else if sub, ok := raw["sub"].(string); ok {
		c.PrincipalID = sub
	}
	if role, ok := raw["role"].(string); ok {
		c.Role = role
	}
	return c, nil
}

func asUnixSeconds(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case jwt.NumericDate:
		return n.Unix(), true
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// isHexSHA512 reports whether s already matches ^[0-9a-f]{128}$
// case-insensitively — the shape of an already-hashed SHA-512 digest — so
// HashPassword (password.go) can skip rehashing it and preserve
// hash(hash(p)) == hash(p).
func isHexSHA512(s string) bool {
	if len(s) != 128 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
