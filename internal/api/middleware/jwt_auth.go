package middleware

import (
	"net/http"
	"strings"

	"heimdall/internal/core"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserKey is the context key holding the authenticated *core.User
const UserKey = "current_user"

// JWTAuth authenticates portal requests with a Bearer access token. The
// token only carries the user id; role and family membership come from
// the user row so account changes take effect immediately.
func JWTAuth(secret string, store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			unauthorized(c)
			return
		}

		userID, err := ParseAccessToken(secret, raw)
		if err != nil {
			unauthorized(c)
			return
		}

		user, err := store.GetUser(c.Request.Context(), userID)
		if err != nil {
			unauthorized(c)
			return
		}

		c.Set(UserKey, user)
		c.Next()
	}
}

// RequireParent rejects requests whose authenticated user is not a parent
func RequireParent() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := GetCurrentUser(c)
		if user == nil || user.Role != core.RoleParent {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Parent role required",
				"code":  "PARENT_ROLE_REQUIRED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ParseAccessToken validates an HS256 access token and returns the
// subject user id. Refresh tokens are rejected by their type claim.
func ParseAccessToken(secret, raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return "", jwt.ErrTokenInvalidClaims
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}

// GetCurrentUser returns the user set by JWTAuth, or nil
func GetCurrentUser(c *gin.Context) *core.User {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*core.User)
	return user
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": "Could not validate credentials",
		"code":  "INVALID_TOKEN",
	})
	c.Abort()
}
