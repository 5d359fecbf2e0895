package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fetchd/config"
	"fetchd/request"
)

const userKey = "user"

// devUser is the implicit account used when token auth is disabled.
var devUser = &request.User{ID: "dev", Username: "dev"}

// AuthMiddleware resolves the calling user from an "Authorization: Token <t>"
// header against the users table. With auth disabled every call runs as the
// dev user.
func AuthMiddleware(cfg *config.Config, store *request.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Set(userKey, devUser)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "token" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			return
		}

		u, err := store.UserByToken(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(userKey, u)
		c.Next()
	}
}

// currentUser returns the authenticated user set by AuthMiddleware.
func currentUser(c *gin.Context) *request.User {
	return c.MustGet(userKey).(*request.User)
}
