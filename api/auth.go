package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/production-engine/production"
)

// Claims are the bearer token claims. Subject carries the user id.
type Claims struct {
	TenantID   string `json:"tenant_id"`
	Privileged bool   `json:"privileged"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for the actor. Used by tooling and tests.
func (a *Authenticator) IssueToken(actor production.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID:   string(actor.TenantID),
		Privileged: actor.Privileged,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies the token and returns the actor it names.
func (a *Authenticator) Parse(token string) (production.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return production.Actor{}, err
	}
	if !parsed.Valid {
		return production.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return production.Actor{}, errors.New("token lacks subject or tenant")
	}
	return production.Actor{
		UserID:     production.UserID(claims.Subject),
		TenantID:   production.TenantID(claims.TenantID),
		Privileged: claims.Privileged,
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// actor in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		actor, err := a.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid bearer token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// ActorFrom returns the authenticated actor of the request.
func ActorFrom(ctx context.Context) (production.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(production.Actor)
	return actor, ok
}
