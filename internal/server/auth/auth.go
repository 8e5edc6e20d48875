// Package auth issues and validates the dev backend's JWT pairs and hashes
// passwords.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

const issuer = "chatsync"

type Claims struct {
	UserID    string    `json:"user_id"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

type Pair struct {
	AccessToken  string
	RefreshToken string
}

type Tokens struct {
	secret        []byte
	accessExpire  time.Duration
	refreshExpire time.Duration
	now           func() time.Time
}

func NewTokens(secret string, accessExpire, refreshExpire time.Duration) *Tokens {
	return &Tokens{
		secret:        []byte(secret),
		accessExpire:  accessExpire,
		refreshExpire: refreshExpire,
		now:           time.Now,
	}
}

func (t *Tokens) Issue(userID string) (Pair, error) {
	access, err := t.sign(userID, AccessToken, t.accessExpire)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := t.sign(userID, RefreshToken, t.refreshExpire)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (t *Tokens) sign(userID string, typ TokenType, ttl time.Duration) (string, error) {
	now := t.now()
	claims := &Claims{
		UserID:    userID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Access validates an access token and returns its user id.
func (t *Tokens) Access(token string) (string, error) { return t.validate(token, AccessToken) }

// Refresh validates a refresh token and returns its user id.
func (t *Tokens) Refresh(token string) (string, error) { return t.validate(token, RefreshToken) }

func (t *Tokens) validate(token string, want TokenType) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TokenType != want || claims.UserID == "" {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}

func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
