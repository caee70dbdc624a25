package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
)

// ContextKeyClaims is the Gin context key for JWT claims.
const ContextKeyClaims = "claims"

var errNoToken = errors.New("no bearer token")

// RequireJWT rejects requests without a valid token.
func RequireJWT(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := authenticate(c.Request, tokens)
		switch {
		case errors.Is(err, errNoToken):
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		case err != nil:
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// OptionalJWT attaches claims when a token is present. Link-only
// assessments accept anonymous takers, so a missing token passes; an
// invalid one does not.
func OptionalJWT(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := authenticate(c.Request, tokens)
		switch {
		case errors.Is(err, errNoToken):
		case err != nil:
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		default:
			c.Set(ContextKeyClaims, claims)
		}
		c.Next()
	}
}

// GetClaims returns the caller's claims, or nil for anonymous requests.
func GetClaims(c *gin.Context) *service.Claims {
	claims, _ := c.Value(ContextKeyClaims).(*service.Claims)
	return claims
}

func authenticate(r *http.Request, tokens *service.TokenService) (*service.Claims, error) {
	tok := bearerToken(r)
	if tok == "" {
		return nil, errNoToken
	}
	return tokens.ValidateToken(tok)
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on WebSocket upgrades or EventSource requests, so only those may pass
// the token as ?token=.
func bearerToken(r *http.Request) string {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(tok)
	}
	if isStreaming(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func isStreaming(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r) ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
