package accounting

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// tokenExpiryMargin makes a token count as expired slightly before it is.
const tokenExpiryMargin = 5 * time.Minute

type token struct {
	value     string
	expiresAt time.Time
	userID    string
	email     string
}

// parseToken extracts the expiry from a JWT. Tokens that are not JWTs, or
// whose payload cannot be read, are kept without an expiry.
func parseToken(value string) token {
	t := token{value: value}
	parts := strings.Split(value, ".")
	if len(parts) < 2 {
		return t
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return t
	}
	var claims struct {
		Exp   int64  `json:"exp"`
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return t
	}
	if claims.Exp > 0 {
		t.expiresAt = time.Unix(claims.Exp, 0)
	}
	t.userID = claims.ID
	t.email = claims.Email
	return t
}

func (t token) valid(now time.Time) bool {
	if t.value == "" {
		return false
	}
	if t.expiresAt.IsZero() {
		return true
	}
	return now.Before(t.expiresAt.Add(-tokenExpiryMargin))
}

func (t token) status(now time.Time) string {
	switch {
	case t.value == "":
		return "no token"
	case !t.valid(now):
		return "token expired"
	default:
		return "token valid"
	}
}
