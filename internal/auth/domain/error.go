package domain

import "errors"

var (
	ErrMissingSession   = errors.New("missing session")
	ErrInvalidSession   = errors.New("invalid session")
	ErrSessionExpired   = errors.New("session expired")
	ErrNotConfigured    = errors.New("auth_not_configured")
	ErrInvalidSubject   = errors.New("invalid subject")
	ErrInvalidRole      = errors.New("invalid platform role")
	ErrNoOrganization   = errors.New("no active organization")
	ErrPlatformRequired = errors.New("platform role required")
)
