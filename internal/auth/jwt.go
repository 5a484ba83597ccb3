package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing or malformed bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingUserID = errors.New("token carries no user id")
)

// UserClaims is the token payload issued by the account service. The user id
// is carried in "userId" and falls back to the registered "sub" claim.
type UserClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed access tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and returns the user id it was issued to.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", ErrMissingUserID
}

// ExtractTokenFromHeader returns the token part of a "Bearer <token>" header.
func ExtractTokenFromHeader(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// TokenFromRequest reads the bearer header, falling back to the "token" query
// parameter since browsers cannot set headers on a websocket upgrade.
func TokenFromRequest(r *http.Request) (string, error) {
	if token, err := ExtractTokenFromHeader(r.Header.Get("Authorization")); err == nil {
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

type contextKey struct{}

// WithUserID stores a verified user id on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the verified user id, or "" when the request is
// anonymous.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
