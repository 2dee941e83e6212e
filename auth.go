package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUsernameTaken     = errors.New("username already exists")
	ErrEmailTaken        = errors.New("email already exists")
	ErrBadLogin          = errors.New("invalid email or password")
)

// Identity is the verified player identity attached to every request. The
// token verifier is the sole source of identity for non-test paths; player
// ids are never fabricated from request bodies.
type Identity struct {
	ID    string
	Email string
	Name  string
}

// UserStats accumulates per-player lifetime numbers.
type UserStats struct {
	GamesPlayed  int `json:"games_played"`
	GamesWon     int `json:"games_won"`
	TotalScore   int `json:"total_score"`
	AverageScore int `json:"average_score"`
}

// User is a registered account in the users collection.
type User struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Stats        UserStats `json:"stats"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Email    string `json:"email"`
}

// authService issues and verifies bearer tokens and owns the registration
// fallback path (username/email uniqueness via store equality lookup).
type authService struct {
	store  Store
	secret []byte
	expiry time.Duration
}

func newAuthService(store Store, secret string) *authService {
	return &authService{
		store:  store,
		secret: []byte(secret),
		expiry: 24 * time.Hour,
	}
}

func (a *authService) issueToken(user *User) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
		Username: user.Username,
		Email:    user.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verifyCredential validates a bearer token and returns the identity it
// carries. Any parse or claim failure maps to ErrInvalidCredential.
func (a *authService) verifyCredential(credential string) (*Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	var claims accessClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}

	name := claims.Username
	if name == "" {
		name, _, _ = strings.Cut(claims.Email, "@")
	}

	return &Identity{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  name,
	}, nil
}

func (a *authService) register(ctx context.Context, username, email, password string) (*User, string, error) {
	var existing User
	if err := a.store.FindOne(ctx, colUsers, "username", username, &existing); err == nil {
		return nil, "", ErrUsernameTaken
	} else if !errors.Is(err, ErrNoDocument) {
		return nil, "", err
	}
	if err := a.store.FindOne(ctx, colUsers, "email", email, &existing); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, ErrNoDocument) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}

	user := &User{
		UserID:       hex.EncodeToString(buf),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := a.store.Set(ctx, colUsers, user.UserID, user); err != nil {
		return nil, "", err
	}

	token, err := a.issueToken(user)
	if err != nil {
		return nil, "", err
	}

	return user, token, nil
}

func (a *authService) login(ctx context.Context, email, password string) (*User, string, error) {
	var user User
	err := a.store.FindOne(ctx, colUsers, "email", email, &user)
	if errors.Is(err, ErrNoDocument) {
		return nil, "", ErrBadLogin
	}
	if err != nil {
		return nil, "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrBadLogin
	}

	token, err := a.issueToken(&user)
	if err != nil {
		return nil, "", err
	}

	return &user, token, nil
}

func (a *authService) getUser(ctx context.Context, userID string) (*User, error) {
	var user User
	_, err := a.store.Get(ctx, colUsers, userID, &user)
	if errors.Is(err, ErrNoDocument) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
