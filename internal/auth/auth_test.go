package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avdonin/pointsmarket/internal/config"
)

func newTestAuth() Auth {
	return NewAuth(config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour})
}

func TestMiddlewareCookie(t *testing.T) {
	a := newTestAuth()
	token, err := a.BuildJWT("100001", "USER")
	require.NoError(t, err)

	var gotAccount string
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = r.Header.Get(HeaderAccountKey)
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieUserToken, Value: token})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "100001", gotAccount)
}

func TestMiddlewareBearer(t *testing.T) {
	a := newTestAuth()
	token, err := a.BuildJWT("100002", "ADMIN")
	require.NoError(t, err)

	var gotAccount string
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = r.Header.Get(HeaderAccountKey)
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "100002", gotAccount)
}

func TestMiddlewareRejects(t *testing.T) {
	a := newTestAuth()
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	})

	// без токена
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// мусорный токен
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// токен с чужой подписью
	other := NewAuth(config.AuthConfig{JWTSecret: "other-secret", TokenTTL: time.Hour})
	token, err := other.BuildJWT("100001", "USER")
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareExpiredToken(t *testing.T) {
	expired := NewAuth(config.AuthConfig{JWTSecret: "test-secret", TokenTTL: -time.Hour})
	token, err := expired.BuildJWT("100001", "USER")
	require.NoError(t, err)

	a := newTestAuth()
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
