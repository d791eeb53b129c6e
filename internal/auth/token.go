// Package auth resolves transport-level credentials to a Principal before
// any connection or request handler runs.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Principal is the authenticated identity attached to a connection. It
// carries the lightweight profile the presence layer caches per room.
type Principal struct {
	UserID    int64
	FirstName string
	LastName  string
	Email     string
	Color     string
}

func (p Principal) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type claims struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Color     string `json:"color,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// IssueToken mints an HS256 token for a principal. The server issues these
// itself only in tests and dev tooling; production tokens come from the
// platform's auth service signed with the shared secret.
func (v *Verifier) IssueToken(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		Color:     p.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) ParseToken(tokenString string) (Principal, error) {
	var parsed claims
	token, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		UserID:    userID,
		FirstName: parsed.FirstName,
		LastName:  parsed.LastName,
		Email:     parsed.Email,
		Color:     parsed.Color,
	}, nil
}

// FromRequest pulls the credential from the Authorization header, a
// `token` query parameter, or the access_token cookie, in that order.
// Browsers cannot set headers on WebSocket dials, hence the fallbacks.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return v.ParseToken(strings.TrimPrefix(header, "Bearer "))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return v.ParseToken(token)
	}
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return v.ParseToken(cookie.Value)
	}
	return Principal{}, ErrInvalidToken
}
