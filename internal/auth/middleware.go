package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"visionchat/internal/session"
)

const sessionIDContextKey = "session_id"

// Middleware resolves the session of the request and stores its id in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := s.extractSessionID(c)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}
		if _, err := s.sessions.State(c.Request.Context(), id); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionIDContextKey, id)
		c.Next()
	}
}

// SessionIDFromContext retrieves the session id stored by the middleware.
func SessionIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok && id != ""
}

// extractSessionID prefers the explicit header over the cookie.
func (s *Service) extractSessionID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(s.headerName)); id != "" {
		return id
	}
	if id, err := c.Cookie(s.cookieName); err == nil {
		return id
	}
	return ""
}
