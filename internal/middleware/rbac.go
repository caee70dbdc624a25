package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
)

// RequireRole checks that the JWT carries one of the given roles.
// Anonymous identities never pass.
func RequireRole(roles ...service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if claims.Anonymous {
			response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
			return
		}

		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}

		response.AbortFail(c, http.StatusForbidden, response.ErrPermissionDenied)
	}
}

// CanProctor reports whether the caller may observe other takers' sessions.
func CanProctor(claims *service.Claims) bool {
	if claims == nil || claims.Anonymous {
		return false
	}
	return claims.Role == service.RoleProctor || claims.Role == service.RoleAdmin
}
