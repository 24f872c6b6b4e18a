// Package domain contains core types for session verification.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RolePlatformAdmin   = "platform_admin"
	RolePlatformSupport = "platform_support"
	RolePlatformViewer  = "platform_viewer"
)

// Claims is the signed session payload. org_id travels as a string so
// snowflake ids survive JSON number decoding.
type Claims struct {
	OrgID        string `json:"org_id,omitempty"`
	PlatformRole string `json:"platform_role,omitempty"`
	jwt.RegisteredClaims
}

// Session is a verified caller.
type Session struct {
	UserID       string
	OrgID        snowflake.ID
	PlatformRole string
	ExpiresAt    time.Time
}

// HasOrganization reports whether the session carries an active tenant.
func (s *Session) HasOrganization() bool {
	return s != nil && s.OrgID != 0
}

func (s *Session) IsPlatform() bool {
	return s != nil && IsPlatformRole(s.PlatformRole)
}

func IsPlatformRole(role string) bool {
	switch role {
	case RolePlatformAdmin, RolePlatformSupport, RolePlatformViewer:
		return true
	default:
		return false
	}
}
