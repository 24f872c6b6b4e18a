package session

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const DefaultCookieName = "_sid"

// Manager locates the session token on an incoming request.
type Manager struct {
	cookieName string
}

func NewManager() *Manager {
	return &Manager{cookieName: DefaultCookieName}
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

// ReadToken prefers a bearer token and falls back to the session cookie.
func (m *Manager) ReadToken(c *gin.Context) (string, bool) {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), true
		}
	}
	token, err := c.Cookie(m.cookieName)
	if err != nil {
		return "", false
	}
	if strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}
