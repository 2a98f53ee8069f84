package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	a := NewAuthenticator(testSecret)

	token, err := a.Issue("buyer-1", RoleUser, time.Hour)
	require.NoError(t, err)

	p, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", p.UserID)
	assert.Equal(t, RoleUser, p.Role)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	a := NewAuthenticator(testSecret)
	_, err := a.Issue("u", Role("root"), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = a.Issue("", RoleUser, time.Hour)
	assert.Error(t, err)
}

func TestVerifyExpired(t *testing.T) {
	a := NewAuthenticator(testSecret)
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := a.Issue("u", RoleUser, time.Hour)
	require.NoError(t, err)

	a.now = time.Now
	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewAuthenticator(testSecret).Issue("u", RoleAdmin, time.Hour)
	require.NoError(t, err)

	_, err = NewAuthenticator("another-secret-another-secret-xx").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			Issuer:    "settlement",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewAuthenticator(testSecret).Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
