package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %s", userID)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewVerifier("test-secret")
	base := time.Unix(1_700_000_000, 0)
	v.nowFn = func() time.Time { return base }

	expired, err := v.IssueToken("user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	other := NewVerifier("other-secret")
	forged, err := other.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue forged token failed: %v", err)
	}

	// Unsigned token with the right shape.
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("build none token failed: %v", err)
	}

	v.nowFn = func() time.Time { return base.Add(2 * time.Minute) }

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"wrong secret": forged,
		"alg none":     noneToken,
	}

	for name, token := range cases {
		if _, err := v.Verify(token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}
