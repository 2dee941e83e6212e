package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAuthService() *authService {
	return newAuthService(newMemStore(), "test-secret")
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	auth := newTestAuthService()
	ctx := context.Background()

	user, token, err := auth.register(ctx, "alice", "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if user.UserID == "" || token == "" {
		t.Fatalf("register() returned empty user id or token")
	}
	if user.PasswordHash == "hunter22" {
		t.Fatalf("password stored in the clear")
	}

	got, loginToken, err := auth.login(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login() error = %v", err)
	}
	if got.UserID != user.UserID {
		t.Fatalf("login() user id = %q, want %q", got.UserID, user.UserID)
	}
	if loginToken == "" {
		t.Fatalf("login() returned empty token")
	}

	if _, _, err := auth.login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrBadLogin) {
		t.Fatalf("login() with wrong password error = %v, want ErrBadLogin", err)
	}
	if _, _, err := auth.login(ctx, "nobody@example.com", "hunter22"); !errors.Is(err, ErrBadLogin) {
		t.Fatalf("login() with unknown email error = %v, want ErrBadLogin", err)
	}
}

func TestRegisterUniqueness(t *testing.T) {
	t.Parallel()

	auth := newTestAuthService()
	ctx := context.Background()

	if _, _, err := auth.register(ctx, "alice", "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if _, _, err := auth.register(ctx, "alice", "other@example.com", "hunter22"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate username error = %v, want ErrUsernameTaken", err)
	}
	if _, _, err := auth.register(ctx, "bob", "alice@example.com", "hunter22"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email error = %v, want ErrEmailTaken", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	auth := newTestAuthService()
	user, token, err := auth.register(context.Background(), "alice", "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	identity, err := auth.verifyCredential(token)
	if err != nil {
		t.Fatalf("verifyCredential() error = %v", err)
	}
	if identity.ID != user.UserID {
		t.Fatalf("identity id = %q, want %q", identity.ID, user.UserID)
	}
	if identity.Name != "alice" || identity.Email != "alice@example.com" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestVerifyCredentialRejectsBadTokens(t *testing.T) {
	t.Parallel()

	auth := newTestAuthService()
	_, token, err := auth.register(context.Background(), "alice", "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	otherSecret := newAuthService(newMemStore(), "other-secret")
	expired := func() string {
		claims := accessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "someone",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(auth.secret)
		if err != nil {
			t.Fatalf("sign expired token: %v", err)
		}
		return signed
	}()
	noSubject := func() string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{}).SignedString(auth.secret)
		if err != nil {
			t.Fatalf("sign subject-less token: %v", err)
		}
		return signed
	}()

	cases := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"garbage", "not-a-token"},
		{"wrong secret", token + "tampered"},
		{"expired", expired},
		{"no subject", noSubject},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := auth.verifyCredential(tc.credential); !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("verifyCredential(%q) error = %v, want ErrInvalidCredential", tc.credential, err)
			}
		})
	}

	if _, err := otherSecret.verifyCredential(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("verifyCredential() with wrong secret error = %v, want ErrInvalidCredential", err)
	}
}
