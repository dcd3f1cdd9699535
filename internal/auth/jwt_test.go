package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/wavematch/internal/auth"
)

func protected(secret string, roles ...auth.Role) (http.Handler, *auth.Actor) {
	var seen auth.Actor
	h := auth.Middleware(secret)(auth.Require(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))
	return h, &seen
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	actor := auth.Actor{ID: uuid.New(), Role: auth.RoleProvider}
	token, err := auth.IssueToken("s3cret", actor, time.Minute)
	require.NoError(t, err)

	h, seen := protected("s3cret", auth.RoleProvider)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, actor, *seen)
}

func TestMiddlewareRejectsBadCredentials(t *testing.T) {
	h, _ := protected("s3cret", auth.RoleProvider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey, err := auth.IssueToken("other", auth.Actor{ID: uuid.New(), Role: auth.RoleProvider}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+wrongKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := auth.IssueToken("s3cret", auth.Actor{ID: uuid.New(), Role: auth.RoleProvider}, -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireEnforcesRole(t *testing.T) {
	token, err := auth.IssueToken("s3cret", auth.Actor{ID: uuid.New(), Role: auth.RoleSeeker}, time.Minute)
	require.NoError(t, err)

	h, _ := protected("s3cret", auth.RoleOperator)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDevHeadersWithoutSecret(t *testing.T) {
	h, seen := protected("", auth.RoleSeeker)
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.HeaderUserID, id.String())
	req.Header.Set(auth.HeaderUserRole, "Seeker")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, id, seen.ID)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.HeaderUserID, "not-a-uuid")
	req.Header.Set(auth.HeaderUserRole, "seeker")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
