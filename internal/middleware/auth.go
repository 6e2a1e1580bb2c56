package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"whatsapp-bridge/internal/auth"
)

const userIDContextKey = "userID"

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// Authenticate resolves the bearer token of the request to an active user and
// stores its id on the context.
func Authenticate(c *gin.Context, a *auth.Authorizer) (string, error) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("Invalid authentication token")
	}

	u, err := a.Authorize(c.Request.Context(), parts[1])
	if errors.Is(err, auth.ErrUserDisabled) {
		return "", errors.New("User is disabled")
	}
	if err != nil {
		return "", errors.New("Invalid authentication token")
	}

	c.Set(userIDContextKey, u.ID)
	return u.ID, nil
}

func RequireAuth(a *auth.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := Authenticate(c, a); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}
