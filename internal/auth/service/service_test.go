package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/tenantdesk/internal/auth/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"go.uber.org/zap"
)

const testSecret = "test-session-secret"

func newTestService(t *testing.T, secret string) (domain.Service, *clock.FakeClock) {
	t.Helper()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(Params{
		Cfg:   config.Config{AuthJWTSecret: secret},
		Log:   zap.NewNop(),
		Clock: clk,
	}), clk
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t, testSecret)
	ctx := context.Background()

	token, err := svc.Issue(ctx, domain.IssueRequest{
		UserID:       "user_42",
		OrgID:        snowflake.ID(1890000000000001),
		PlatformRole: domain.RolePlatformSupport,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	session, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.UserID != "user_42" {
		t.Fatalf("expected user_42, got %s", session.UserID)
	}
	if session.OrgID != snowflake.ID(1890000000000001) {
		t.Fatalf("expected org id to survive the round trip, got %d", session.OrgID)
	}
	if !session.IsPlatform() {
		t.Fatalf("expected platform session")
	}
	if session.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry")
	}
}

func TestAuthenticateWithoutOrganization(t *testing.T) {
	svc, _ := newTestService(t, testSecret)
	ctx := context.Background()

	token, err := svc.Issue(ctx, domain.IssueRequest{UserID: "user_1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	session, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.HasOrganization() {
		t.Fatalf("expected no organization")
	}
	if session.IsPlatform() {
		t.Fatalf("expected tenant session")
	}
}

func TestAuthenticateExpired(t *testing.T) {
	svc, clk := newTestService(t, testSecret)
	ctx := context.Background()

	token, err := svc.Issue(ctx, domain.IssueRequest{UserID: "user_1", TTL: time.Hour})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Advance(2 * time.Hour)

	if _, err := svc.Authenticate(ctx, token); !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	svc, _ := newTestService(t, testSecret)
	other, _ := newTestService(t, "another-secret")
	ctx := context.Background()

	foreign, err := other.Issue(ctx, domain.IssueRequest{UserID: "user_1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, domain.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user_1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, domain.Claims{
		PlatformRole: "root",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user_1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign bad role: %v", err)
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, domain.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign no subject: %v", err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, domain.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  issuer,
			Subject: "user_1",
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign no expiry: %v", err)
	}

	badOrg, err := jwt.NewWithClaims(jwt.SigningMethodHS256, domain.Claims{
		OrgID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user_1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign bad org: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: domain.ErrMissingSession},
		{name: "garbage", token: "not-a-jwt", want: domain.ErrInvalidSession},
		{name: "foreign secret", token: foreign, want: domain.ErrInvalidSession},
		{name: "alg none", token: noneToken, want: domain.ErrInvalidSession},
		{name: "no expiry", token: noExpiry, want: domain.ErrInvalidSession},
		{name: "unknown role", token: badRole, want: domain.ErrInvalidRole},
		{name: "no subject", token: noSubject, want: domain.ErrInvalidSubject},
		{name: "bad org id", token: badOrg, want: domain.ErrInvalidSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Authenticate(ctx, tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUnconfiguredSecret(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	if _, err := svc.Issue(ctx, domain.IssueRequest{UserID: "user_1"}); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "a.b.c"); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
