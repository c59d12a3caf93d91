package authn

import (
	"github.com/golang-jwt/jwt/v4"
)

// Claims is the subset of a bearer token's claims this core cares
// about; issuance and richer claim shapes are the out-of-scope REST
// layer's responsibility.
type Claims struct {
	jwt.RegisteredClaims
	UserId string `json:"user_id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// JWTResolver resolves bearer tokens signed with a shared HMAC secret.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver builds a resolver that verifies HS256 tokens against secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve implements AuthResolver. An empty token is a Guest; a
// present token that fails to parse or verify is InvalidToken.
func (r *JWTResolver) Resolve(token string) Identity {
	if token == "" {
		return Identity{Outcome: Guest}
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{Outcome: InvalidToken}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.UserId == "" {
		return Identity{Outcome: InvalidToken}
	}

	return Identity{
		Outcome: Authenticated,
		User:    User{Id: claims.UserId, Name: claims.Name, Active: claims.Active},
	}
}
