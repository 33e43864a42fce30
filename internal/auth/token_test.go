// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid, invalid, expired, and foreign-issuer tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return verifier
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("checkout-service", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "checkout-service" {
		t.Errorf("Verify() = %q, want %q", got, "checkout-service")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	sign := func(method jwt.SigningMethod, secret []byte, claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("signing test token: %v", err)
		}
		return s
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty token", token: "", wantErr: ErrInvalidToken},
		{name: "garbage token", token: "not-a-jwt-token", wantErr: ErrInvalidToken},
		{name: "malformed JWT", token: "header.payload.signature", wantErr: ErrInvalidToken},
		{
			name: "wrong secret",
			token: sign(jwt.SigningMethodHS256, []byte("a-completely-different-secret-!!"),
				jwt.RegisteredClaims{Subject: "p", Issuer: Issuer, ExpiresAt: future}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong signing method",
			token:   sign(jwt.SigningMethodHS512, testSecret, jwt.RegisteredClaims{Subject: "p", Issuer: Issuer, ExpiresAt: future}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "foreign issuer",
			token:   sign(jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "p", Issuer: "someone-else", ExpiresAt: future}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no expiry",
			token:   sign(jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "p", Issuer: Issuer}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing subject",
			token:   sign(jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: future}),
			wantErr: ErrMissingClaim,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	// Generate a token that expired 1 hour ago
	token, err := verifier.Generate("checkout-service", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_GenerateRequiresSubject(t *testing.T) {
	verifier := newTestVerifier(t)

	if _, err := verifier.Generate("", time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate(\"\") error = %v, want ErrMissingClaim", err)
	}
}
