package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/tenantdesk/internal/auth/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	issuer     = "tenantdesk"
	sessionTTL = 7 * 24 * time.Hour
)

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	log    *zap.Logger
	secret []byte
	clock  clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		log:    p.Log.Named("auth.service"),
		secret: []byte(strings.TrimSpace(p.Cfg.AuthJWTSecret)),
		clock:  p.Clock,
	}
}

func (s *Service) Authenticate(ctx context.Context, rawToken string) (*domain.Session, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, domain.ErrMissingSession
	}
	if len(s.secret) == 0 {
		return nil, domain.ErrNotConfigured
	}

	claims := &domain.Claims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrSessionExpired
		}
		s.log.Debug("rejected session token", zap.Error(err))
		return nil, domain.ErrInvalidSession
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return nil, domain.ErrInvalidSubject
	}

	session := &domain.Session{
		UserID:       userID,
		PlatformRole: strings.TrimSpace(claims.PlatformRole),
	}
	if session.PlatformRole != "" && !domain.IsPlatformRole(session.PlatformRole) {
		return nil, domain.ErrInvalidRole
	}
	if raw := strings.TrimSpace(claims.OrgID); raw != "" {
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID <= 0 {
			return nil, domain.ErrInvalidSession
		}
		session.OrgID = orgID
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Issue(ctx context.Context, req domain.IssueRequest) (string, error) {
	if len(s.secret) == 0 {
		return "", domain.ErrNotConfigured
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return "", domain.ErrInvalidSubject
	}
	role := strings.TrimSpace(req.PlatformRole)
	if role != "" && !domain.IsPlatformRole(role) {
		return "", domain.ErrInvalidRole
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = sessionTTL
	}

	now := s.clock.Now()
	claims := domain.Claims{
		PlatformRole: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if req.OrgID != 0 {
		claims.OrgID = req.OrgID.String()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
