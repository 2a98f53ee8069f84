// Package auth authenticates API callers with HS256 bearer tokens. The
// token subject is the user id; the role claim gates operator actions.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that failed parsing or verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRole signals a role claim outside the known set.
	ErrInvalidRole = errors.New("auth: invalid role")
)

// Role is what a caller may do beyond acting on its own sales.
type Role string

const (
	RoleUser     Role = "user"
	RoleMediator Role = "mediator"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleMediator, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Claims are the settlement token claims.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

// Authenticator issues and verifies tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator signing with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: "settlement", now: time.Now}
}

// Issue signs a token for userID with the given role.
func (a *Authenticator) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w %q", ErrInvalidRole, role)
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its principal.
func (a *Authenticator) Verify(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return Principal{}, fmt.Errorf("%w %q", ErrInvalidRole, claims.Role)
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}
