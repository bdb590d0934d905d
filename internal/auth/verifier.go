package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is the single failure outcome of token verification.
// Malformed, expired and forged tokens are deliberately indistinguishable so
// the gateway never leaks why a credential was rejected.
var ErrUnauthenticated = errors.New("unauthenticated")

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

func (c *claims) userID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Verifier validates bearer credentials presented at connection time.
type Verifier struct {
	secret []byte
	nowFn  func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		nowFn:  time.Now,
	}
}

// Verify checks the token signature and expiry and returns the subject user
// id. Any failure yields ErrUnauthenticated.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.nowFn),
	)

	var c claims
	token, err := parser.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	userID := c.userID()
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// IssueToken mints a signed credential for userID. The gateway never calls
// this; it serves the CLI client and tests.
func (v *Verifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := v.nowFn()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	return token.SignedString(v.secret)
}
