package websocket

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"chatline/pkg/types"
)

// TokenVerifier checks the bearer token issued by the account service before
// a connection is upgraded. Tokens are HS256 with the user id in "sub".
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns nil when secret is empty, which disables the gate.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses token and returns its subject as a user id.
func (v *TokenVerifier) Verify(token string) (types.ID, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id, err := types.ParseID(sub)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, sub)
	}
	return id, nil
}

// tokenFromRequest reads "Authorization: Bearer <t>" or the "token" query parameter,
// since browsers cannot set headers on a WebSocket handshake.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
