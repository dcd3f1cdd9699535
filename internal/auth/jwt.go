package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Role string

const (
	RoleSeeker   Role = "seeker"
	RoleProvider Role = "provider"
	RoleOperator Role = "operator"
)

// Claims extends standard registered claims with role information. The
// subject carries the actor's user id.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the authenticated caller.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// Dev mode headers, honoured only when no secret is configured.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Middleware validates bearer tokens and injects the actor into the context.
// With an empty secret it trusts the X-User-ID and X-User-Role headers instead,
// which is meant for local runs only.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor Actor
				err   error
			)
			if secret == "" {
				actor, err = actorFromHeaders(r.Header)
			} else {
				actor, err = actorFromToken(secret, tokenFromHeader(r.Header.Get("Authorization")))
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require rejects actors whose role is not listed.
func Require(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[actor.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext retrieves the caller from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// WithActor stores an actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// IssueToken signs an HS256 token for the actor.
func IssueToken(secret string, actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type actorKey struct{}

func actorFromToken(secret, tokenString string) (Actor, error) {
	if tokenString == "" {
		return Actor{}, errors.New("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Actor{}, errors.New("invalid token")
	}
	return newActor(claims.Subject, string(claims.Role))
}

func actorFromHeaders(h http.Header) (Actor, error) {
	return newActor(h.Get(HeaderUserID), h.Get(HeaderUserRole))
}

func newActor(subject, role string) (Actor, error) {
	id, err := uuid.Parse(strings.TrimSpace(subject))
	if err != nil {
		return Actor{}, errors.New("invalid subject")
	}
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleSeeker, RoleProvider, RoleOperator:
		return Actor{ID: id, Role: r}, nil
	default:
		return Actor{}, errors.New("unknown role")
	}
}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
