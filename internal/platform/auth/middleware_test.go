package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, authn *Authenticator, header string, roles ...string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := authn.RequireRole(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		seen = identity
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	code, _ := body["error"].(string)
	return code
}

func TestRequireRoleAllowsStaff(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "uid-123",
		Claims: map[string]any{
			"role":  []any{"Staff", "staff", 7},
			"email": " clerk@example.com ",
		},
	}}

	rr, identity := serve(t, NewAuthenticator(verifier), "Bearer token-value", RoleStaff, RoleAdmin)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "token-value", verifier.received)
	require.NotNil(t, identity)
	assert.Equal(t, "uid-123", identity.UID)
	assert.Equal(t, "clerk@example.com", identity.Email)
	assert.Equal(t, []string{RoleStaff}, identity.Roles)
}

func TestRequireRoleRejections(t *testing.T) {
	cases := map[string]struct {
		header   string
		verifier *stubTokenVerifier
		status   int
		code     string
	}{
		"missing header": {"", &stubTokenVerifier{}, http.StatusUnauthorized, "unauthenticated"},
		"wrong scheme":   {"Basic abc", &stubTokenVerifier{}, http.StatusUnauthorized, "unauthenticated"},
		"invalid token":  {"Bearer bad", &stubTokenVerifier{err: errors.New("bad signature")}, http.StatusUnauthorized, "invalid_token"},
		"no role claim": {"Bearer ok", &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{}}},
			http.StatusForbidden, "insufficient_role"},
		"other role": {"Bearer ok", &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{"role": "customer"}}},
			http.StatusForbidden, "insufficient_role"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr, identity := serve(t, NewAuthenticator(tc.verifier), tc.header, RoleStaff)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, errorCode(t, rr))
			assert.Nil(t, identity)
		})
	}
}

func TestRequireRoleCustomClaimMap(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "uid-9",
		Claims: map[string]any{"perms": map[string]any{"admin": true, "staff": false}},
	}}

	rr, identity := serve(t, NewAuthenticator(verifier, WithRoleClaim("perms")), "bearer x", RoleAdmin)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, identity)
	assert.True(t, identity.HasRole("ADMIN"))
	assert.False(t, identity.HasRole(RoleStaff))
}

func TestIdentityHelpers(t *testing.T) {
	var missing *Identity
	assert.False(t, missing.HasRole(RoleStaff))

	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	identity := &Identity{UID: "u", Roles: []string{RoleStaff}}
	got, ok := IdentityFromContext(WithIdentity(context.Background(), identity))
	require.True(t, ok)
	assert.Same(t, identity, got)
	assert.True(t, got.HasAnyRole(RoleAdmin, RoleStaff))
}
