package session

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the authorization role carried in the access token's role claim.
type Role string

const (
	// RoleAdmin can read global statistics and the client directory
	RoleAdmin Role = "admin"

	// RoleStoreCashier operates a point-of-sale terminal
	RoleStoreCashier Role = "store_cashier"

	// RoleClient is a loyalty-program customer
	RoleClient Role = "client"
)

// Identity is the authenticated user as decoded from an access token.
type Identity struct {
	SubjectID string `json:"sub"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

type identityClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Role    Role   `json:"role"`
}

// unverifiedParser is only used for its base64url segment decoding.
var unverifiedParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeIdentity extracts the Identity from the payload segment of an access token.
// The header and signature are never inspected; the backend is the authority for those.
// Returns nil for any malformed token: wrong segment count, invalid base64url,
// or a payload that is not a JSON object.
func DecodeIdentity(token string) *Identity {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}

	payload, err := unverifiedParser.DecodeSegment(parts[1])
	if err != nil {
		return nil
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}

	var claims identityClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}

	return &Identity{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
	}
}
