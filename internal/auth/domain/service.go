package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Authenticate verifies a raw token and returns the session it carries.
	Authenticate(ctx context.Context, rawToken string) (*Session, error)
	// Issue signs a session token. Used by operator tooling and tests.
	Issue(ctx context.Context, req IssueRequest) (string, error)
}

type IssueRequest struct {
	UserID       string
	OrgID        snowflake.ID
	PlatformRole string
	TTL          time.Duration
}
