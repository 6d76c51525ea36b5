package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAudience = "https://grocery.example.com"
	googleIssuer = "https://accounts.google.com"
	schedulerSA  = "scheduler@grocery.iam.gserviceaccount.com"
)

type oidcFixture struct {
	key      *rsa.PrivateKey
	now      time.Time
	requests *atomic.Int32
	status   *atomic.Int32
	url      string
}

func newOIDCFixture(t *testing.T) oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := oidcFixture{
		key:      key,
		now:      time.Unix(1_700_000_000, 0),
		requests: &atomic.Int32{},
		status:   &atomic.Int32{},
	}
	f.status.Store(http.StatusOK)

	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if code := int(f.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)
	f.url = server.URL
	return f
}

func (f oidcFixture) validator(opts ...OIDCOption) *OIDCValidator {
	clock := func() time.Time { return f.now }
	opts = append(opts, WithOIDCClock(clock))
	return NewOIDCValidator(NewJWKSCache(f.url, WithJWKSClock(clock)), opts...)
}

func (f oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":            testAudience,
		"iss":            googleIssuer,
		"sub":            "1234567890",
		"email":          schedulerSA,
		"email_verified": true,
		"exp":            float64(f.now.Add(time.Hour).Unix()),
		"iat":            float64(f.now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func callInternal(v *OIDCValidator, token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	var seen *ServiceIdentity
	handler := v.RequireOIDC(testAudience, []string{googleIssuer})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/fingerprints", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func TestRequireOIDCAcceptsSchedulerToken(t *testing.T) {
	f := newOIDCFixture(t)
	v := f.validator(WithAllowedEmails(schedulerSA))

	rr, identity := callInternal(v, f.token(t, nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NotNil(t, identity)
	assert.Equal(t, schedulerSA, identity.Email)
	assert.Equal(t, googleIssuer, identity.Issuer)

	// keys stay cached until max-age lapses
	rr, _ = callInternal(v, f.token(t, nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.EqualValues(t, 1, f.requests.Load())
}

func TestRequireOIDCRejections(t *testing.T) {
	cases := map[string]func(jwt.MapClaims){
		"audience": func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" },
		"issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
		"expired":  func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_700_000_000, 0).Add(-time.Hour).Unix()) },
		"caller":   func(c jwt.MapClaims) { c["email"] = "someone@example.com" },
		"unverified": func(c jwt.MapClaims) {
			c["email_verified"] = false
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newOIDCFixture(t)
			rr, identity := callInternal(f.validator(WithAllowedEmails(schedulerSA)), f.token(t, mutate))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Nil(t, identity)
		})
	}
}

func TestRequireOIDCMissingToken(t *testing.T) {
	f := newOIDCFixture(t)
	rr, _ := callInternal(f.validator(), "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Zero(t, f.requests.Load())
}

func TestRequireOIDCJWKSUnavailable(t *testing.T) {
	f := newOIDCFixture(t)
	f.status.Store(http.StatusInternalServerError)

	rr, _ := callInternal(f.validator(), f.token(t, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRequireOIDCWithoutAudience(t *testing.T) {
	f := newOIDCFixture(t)
	handler := f.validator().RequireOIDC("", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMaxAge(t *testing.T) {
	assert.Equal(t, 600*time.Second, maxAge("public, max-age=600, must-revalidate"))
	assert.Zero(t, maxAge("no-cache"))
	assert.Zero(t, maxAge("max-age=abc"))
}
