package authn

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestResolveEmptyTokenIsGuest(t *testing.T) {
	r := NewJWTResolver("secret-secret-secret-secret-123")
	id := r.Resolve("")
	assert.Equal(t, Guest, id.Outcome)
}

func TestResolveValidTokenIsAuthenticated(t *testing.T) {
	secret := "secret-secret-secret-secret-123"
	r := NewJWTResolver(secret)
	token := signToken(t, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserId:           "u1",
		Name:             "Ada",
		Active:           true,
	})

	id := r.Resolve(token)
	require.Equal(t, Authenticated, id.Outcome)
	assert.Equal(t, "u1", id.User.Id)
	assert.Equal(t, "Ada", id.User.Name)
}

func TestResolveMalformedTokenIsInvalid(t *testing.T) {
	r := NewJWTResolver("secret-secret-secret-secret-123")
	id := r.Resolve("not-a-jwt")
	assert.Equal(t, InvalidToken, id.Outcome)
}

func TestResolveWrongSecretIsInvalid(t *testing.T) {
	r := NewJWTResolver("secret-secret-secret-secret-123")
	token := signToken(t, "other-secret-other-secret-1234", Claims{UserId: "u1"})
	id := r.Resolve(token)
	assert.Equal(t, InvalidToken, id.Outcome)
}
