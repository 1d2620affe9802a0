package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"visionchat/internal/models"
)

// Sessions resolves a session id to its state.
type Sessions interface {
	State(ctx context.Context, id string) (*models.SessionState, error)
}

// Service binds anonymous browser sessions to requests through a cookie or
// an explicit header.
type Service struct {
	sessions       Sessions
	ttl            time.Duration
	secure         bool
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs the session binder. ttl bounds the cookie lifetime.
func NewService(sessions Sessions, ttl time.Duration, secure bool) *Service {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Service{
		sessions:       sessions,
		ttl:            ttl,
		secure:         secure,
		cookieName:     "visionchat_session",
		headerName:     "X-Session-ID",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueCookies stores the session id in an HttpOnly cookie and sets a fresh
// CSRF token readable by the page. It returns the CSRF token.
func (s *Service) IssueCookies(c *gin.Context, sessionID string) (string, error) {
	csrf, err := generateToken()
	if err != nil {
		return "", err
	}
	maxAge := int(s.ttl.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, sessionID, maxAge, "/", "", s.secure, true)
	c.SetCookie(s.csrfCookieName, csrf, maxAge, "/", "", s.secure, false)
	return csrf, nil
}

// ClearCookies expires both cookies.
func (s *Service) ClearCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, "", -1, "/", "", s.secure, true)
	c.SetCookie(s.csrfCookieName, "", -1, "/", "", s.secure, false)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) CookieName() string { return s.cookieName }

func (s *Service) HeaderName() string { return s.headerName }

func (s *Service) CSRFCookieName() string { return s.csrfCookieName }

func (s *Service) CSRFHeaderName() string { return s.csrfHeaderName }
