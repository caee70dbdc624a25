package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
)

func init() { gin.SetMode(gin.TestMode) }

const testSecret = "middleware-test-secret"

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func token(t *testing.T, tokens *service.TokenService, role service.Role) string {
	t.Helper()
	tok, err := tokens.Issue("user-42", "a@b.sch.id", role, false, time.Hour)
	require.NoError(t, err)
	return tok
}

func whoami(c *gin.Context) {
	claims := GetClaims(c)
	if claims == nil {
		c.String(http.StatusOK, "anonymous")
		return
	}
	c.String(http.StatusOK, claims.UserID)
}

// ─── JWT ───────────────────────────────────────────────────────────

func TestRequireJWT(t *testing.T) {
	tokens := service.NewTokenService(testSecret)
	r := gin.New()
	r.GET("/me", RequireJWT(tokens), whoami)

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenRequired, errorCode(t, w))
	})

	t.Run("foreign signature", func(t *testing.T) {
		other := service.NewTokenService("someone-else")
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, other, service.RoleTaker))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenInvalid, errorCode(t, w))
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "bearer "+token(t, tokens, service.RoleTaker))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-42", w.Body.String())
	})

	t.Run("query token on event stream", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me?token="+token(t, tokens, service.RoleTaker), nil)
		req.Header.Set("Accept", "text/event-stream")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("query token on plain request", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+token(t, tokens, service.RoleTaker), nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenRequired, errorCode(t, w))
	})
}

func TestOptionalJWT(t *testing.T) {
	tokens := service.NewTokenService(testSecret)
	r := gin.New()
	r.GET("/me", OptionalJWT(tokens), whoami)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	tokens := service.NewTokenService(testSecret)
	r := gin.New()
	r.GET("/monitor", RequireJWT(tokens), RequireRole(service.RoleProctor, service.RoleAdmin), whoami)

	cases := []struct {
		name string
		tok  func() string
		want int
	}{
		{"proctor", func() string { return token(t, tokens, service.RoleProctor) }, http.StatusOK},
		{"admin", func() string { return token(t, tokens, service.RoleAdmin) }, http.StatusOK},
		{"taker", func() string { return token(t, tokens, service.RoleTaker) }, http.StatusForbidden},
		{"anonymous", func() string {
			_, tok, err := tokens.IssueAnonymous()
			require.NoError(t, err)
			return tok
		}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
			req.Header.Set("Authorization", "Bearer "+tc.tok())
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

// ─── Rate limit ────────────────────────────────────────────────────

func TestRateLimiterRefills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(ctx, 2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("ip:1"))
	assert.True(t, rl.allow("ip:1"))
	assert.False(t, rl.allow("ip:1"))
	assert.True(t, rl.allow("ip:2"), "buckets are per visitor")

	now = now.Add(time.Minute)
	assert.True(t, rl.allow("ip:1"))

	now = now.Add(10 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.visitors)
}

func TestRateLimiterMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.GET("/submit", NewRateLimiter(ctx, 1, time.Hour).Middleware(), whoami)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/submit", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/submit", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, response.ErrRateLimitExceeded, errorCode(t, w))
}

// ─── Brotli ────────────────────────────────────────────────────────

func TestBrotliCompressesLargeBodies(t *testing.T) {
	body := strings.Repeat("soal ujian ", 500)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, body) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())
}

func TestBrotliSkipsEventStreams(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/monitor", func(c *gin.Context) { c.String(http.StatusOK, strings.Repeat("x", 4096)) })

	req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
}

func TestAcceptsBrotli(t *testing.T) {
	cases := map[string]bool{
		"br":                true,
		"gzip, deflate, br": true,
		"br;q=0.8":          true,
		"br;q=0":            false,
		"gzip":              false,
		"":                  false,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", header)
		assert.Equal(t, want, acceptsBrotli(req), header)
	}
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/take", NoStore(), whoami)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/take", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
