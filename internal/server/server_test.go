package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	auditrepository "github.com/smallbiznis/tenantdesk/internal/audit/repository"
	auditservice "github.com/smallbiznis/tenantdesk/internal/audit/service"
	authdomain "github.com/smallbiznis/tenantdesk/internal/auth/domain"
	authservice "github.com/smallbiznis/tenantdesk/internal/auth/service"
	"github.com/smallbiznis/tenantdesk/internal/auth/session"
	"github.com/smallbiznis/tenantdesk/internal/authorization"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	checkoutdomain "github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	platformdomain "github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"github.com/smallbiznis/tenantdesk/internal/ratelimit"
	"github.com/smallbiznis/tenantdesk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	payload   []byte
	signature string
	result    billingwebhookdomain.Result
	err       error
}

func (f *fakeDispatcher) IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) (billingwebhookdomain.Result, error) {
	f.payload = payload
	f.signature = signatureHeader
	if signatureHeader == "" {
		return "", billingwebhookdomain.ErrMissingSignature
	}
	return f.result, f.err
}

func (f *fakeDispatcher) Replay(ctx context.Context, eventID string) (billingwebhookdomain.Result, error) {
	return f.result, f.err
}

type fakeGate struct {
	snapshot *entitlementdomain.Snapshot
	grace    entitlementdomain.GraceInfo
}

func (f *fakeGate) Snapshot(ctx context.Context, orgID snowflake.ID) (*entitlementdomain.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeGate) CheckGracePeriod(ctx context.Context, orgID snowflake.ID) (entitlementdomain.GraceInfo, error) {
	return f.grace, nil
}

func (f *fakeGate) CanPerformLimitedAction(ctx context.Context, orgID snowflake.ID, kind entitlementdomain.ResourceKind, usage int64) (entitlementdomain.Decision, error) {
	return entitlementdomain.Decision{Allowed: true}, nil
}

func (f *fakeGate) CanUseFeature(ctx context.Context, orgID snowflake.ID, featureKey string) (entitlementdomain.Decision, error) {
	return entitlementdomain.Decision{Allowed: true}, nil
}

func (f *fakeGate) CheckStatus(ctx context.Context, orgID snowflake.ID) (entitlementdomain.StatusInfo, error) {
	return entitlementdomain.StatusInfo{Status: f.snapshot.Status, IsActive: true}, nil
}

func (f *fakeGate) AuditRetentionDays(ctx context.Context, orgID snowflake.ID) (int, error) {
	return entitlementdomain.DefaultAuditRetentionDays, nil
}

type fakeCheckout struct {
	calls int
}

func (f *fakeCheckout) CreateCheckout(ctx context.Context, orgID snowflake.ID, req checkoutdomain.CheckoutRequest) (checkoutdomain.CheckoutResponse, error) {
	f.calls++
	if req.PriceID == "" {
		return checkoutdomain.CheckoutResponse{}, checkoutdomain.ErrMissingPriceID
	}
	return checkoutdomain.CheckoutResponse{SessionID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

func (f *fakeCheckout) CreatePortal(ctx context.Context, orgID snowflake.ID) (checkoutdomain.PortalResponse, error) {
	f.calls++
	return checkoutdomain.PortalResponse{}, checkoutdomain.ErrNoActiveSubscription
}

type fakePlatform struct {
	platformdomain.Service
	metrics platformdomain.Metrics
}

func (f *fakePlatform) Metrics(ctx context.Context) (platformdomain.Metrics, error) {
	return f.metrics, nil
}

type testServer struct {
	srv        *Server
	auth       authdomain.Service
	dispatcher *fakeDispatcher
	gate       *fakeGate
	checkout   *fakeCheckout
}

func newTestServer(t *testing.T, limiter *ratelimit.BillingLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	fixedClock := clock.NewFakeClock(testNow)
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Repo:  auditrepository.Provide(),
		Clock: fixedClock,
	})
	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)

	auth := authservice.New(authservice.Params{
		Cfg:   config.Config{AuthJWTSecret: testSecret},
		Log:   zap.NewNop(),
		Clock: fixedClock,
	})

	ts := &testServer{
		auth:       auth,
		dispatcher: &fakeDispatcher{result: billingwebhookdomain.ResultProcessed},
		gate:       &fakeGate{},
		checkout:   &fakeCheckout{},
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	ts.srv = NewServer(ServerParams{
		Gin:            engine,
		Billing:        config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Authsvc:        auth,
		Sessions:       session.NewManager(),
		AuthzSvc:       authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer, AuditSvc: audit}),
		AuditSvc:       audit,
		Dispatcher:     ts.dispatcher,
		Gate:           ts.gate,
		CheckoutSvc:    ts.checkout,
		PlatformSvc:    &fakePlatform{metrics: platformdomain.Metrics{MRR: 125, ActiveTenants: 3}},
		BillingLimiter: limiter,
	})
	return ts
}

func (ts *testServer) token(t *testing.T, orgID snowflake.ID, role string) string {
	t.Helper()
	token, err := ts.auth.Issue(context.Background(), authdomain.IssueRequest{
		UserID:       "user-1",
		OrgID:        orgID,
		PlatformRole: role,
	})
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestStripeWebhookRejectsMissingSignature(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/webhooks/stripe", "", []byte(`{"type":"invoice.paid"}`), nil)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Missing signature", decode(t, resp)["error"])
}

func TestStripeWebhookInvalidSignature(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dispatcher.err = billingwebhookdomain.ErrInvalidSignature

	resp := ts.do(t, http.MethodPost, "/webhooks/stripe", "", []byte(`{}`), map[string]string{"Stripe-Signature": "t=1,v1=bad"})

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Invalid signature", decode(t, resp)["error"])
}

func TestStripeWebhookMalformedPayload(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dispatcher.err = billingwebhookdomain.ErrMalformedPayload

	payload := []byte(`{"id":"","type":"invoice.paid","data":{"object":{}}}`)
	resp := ts.do(t, http.MethodPost, "/webhooks/stripe", "", payload, map[string]string{"Stripe-Signature": "t=1,v1=ok"})

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Invalid payload", decode(t, resp)["error"])
}

func TestStripeWebhookAcknowledges(t *testing.T) {
	ts := newTestServer(t, nil)

	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)
	resp := ts.do(t, http.MethodPost, "/webhooks/stripe", "", payload, map[string]string{"Stripe-Signature": "t=1,v1=ok"})

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)["received"])
	assert.Equal(t, payload, ts.dispatcher.payload)
	assert.Equal(t, "t=1,v1=ok", ts.dispatcher.signature)
}

func TestStripeWebhookProcessingFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dispatcher.err = billingwebhookdomain.ErrMissingTenantContext

	resp := ts.do(t, http.MethodPost, "/webhooks/stripe", "", []byte(`{}`), map[string]string{"Stripe-Signature": "sig"})

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "Processing failed", body["error"])
	assert.Equal(t, billingwebhookdomain.ErrMissingTenantContext.Error(), body["message"])
}

func TestEntitlementsRequireSession(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/entitlements", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(t, http.MethodGet, "/api/entitlements", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestEntitlementsRequireOrganization(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/entitlements", ts.token(t, 0, ""), nil, nil)

	assert.Equal(t, http.StatusForbidden, resp.Code)
	errBody := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "organization_required", errBody["type"])
}

func TestEntitlementsNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/entitlements", ts.token(t, 42, ""), nil, nil)

	assert.Equal(t, http.StatusNotFound, resp.Code)
	errBody := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "No entitlements found", errBody["message"])
}

func TestEntitlementsShape(t *testing.T) {
	ts := newTestServer(t, nil)
	code := "STARTER"
	graceUntil := testNow.Add(72 * time.Hour)
	ts.gate.snapshot = &entitlementdomain.Snapshot{
		OrgID:    42,
		PlanCode: &code,
		Status:   entitlementdomain.StatusGracePeriod,
		Limits:   datatypes.JSONMap{"max_drivers": float64(30), "realtime_tracking": false},
		Addons: datatypes.JSONMap{
			"extra_drivers":       float64(5),
			"audit_retention_365": true,
			"realtime_tracking":   true,
		},
	}
	ts.gate.grace = entitlementdomain.GraceInfo{IsInGrace: true, GraceUntil: &graceUntil, DaysRemaining: 3}

	resp := ts.do(t, http.MethodGet, "/api/entitlements", ts.token(t, 42, ""), nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body entitlementsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.NotNil(t, body.Plan.Code)
	assert.Equal(t, "STARTER", *body.Plan.Code)
	assert.Equal(t, entitlementdomain.StatusGracePeriod, body.Plan.Status)
	assert.Equal(t, int64(30), body.Limits.MaxDrivers)
	assert.False(t, body.Limits.RealtimeTracking)
	assert.Equal(t, int64(5), body.Addons.ExtraDrivers)
	assert.Equal(t, 365, body.Addons.AuditRetentionDays)
	assert.True(t, body.Addons.RealtimeTracking)
	assert.True(t, body.Grace.IsInGrace)
	require.NotNil(t, body.Grace.GraceUntil)
	assert.Equal(t, "2026-03-04T12:00:00.000Z", *body.Grace.GraceUntil)
	assert.Equal(t, 7, body.Grace.GraceDays)
}

func TestCheckoutRequiresPriceID(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/billing/checkout", ts.token(t, 42, ""), []byte(`{"price_id":"  "}`), nil)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	errBody := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "price_id is required", errBody["message"])
}

func TestCheckoutReturnsSession(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/billing/checkout", ts.token(t, 42, ""), []byte(`{"price_id":"price_starter"}`), nil)

	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "cs_test", body["session_id"])
	assert.NotEmpty(t, body["url"])
}

func TestPortalWithoutSubscription(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/billing/portal", ts.token(t, 42, ""), nil, nil)

	assert.Equal(t, http.StatusNotFound, resp.Code)
	errBody := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "No active subscription found", errBody["message"])
}

func TestPlatformRejectsTenantSession(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/platform/metrics", ts.token(t, 42, ""), nil, nil)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestPlatformRoleMatrix(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/platform/metrics", ts.token(t, 0, authdomain.RolePlatformViewer), nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	data := decode(t, resp)["data"].(map[string]any)
	assert.Equal(t, float64(125), data["mrr"])
	assert.Equal(t, float64(3), data["activeTenants"])

	resp = ts.do(t, http.MethodPost, "/platform/billing-events/evt_1/replay", ts.token(t, 0, authdomain.RolePlatformViewer), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestPlatformPathIDValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/platform/tenants/abc/entitlements/rebuild", ts.token(t, 0, authdomain.RolePlatformAdmin), nil, nil)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	errBody := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "validation_error", errBody["type"])
}

func TestBillingRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewBillingLimiter(ratelimit.BillingLimiterParams{
		Cfg: config.Config{RateLimit: config.RateLimitConfig{
			BillingRate:  0.01,
			BillingBurst: 2,
		}},
		Log:    zap.NewNop(),
		Client: client,
	})
	ts := newTestServer(t, limiter)
	token := ts.token(t, 42, "")

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/api/billing/checkout", token, []byte(`{"price_id":"price_starter"}`), nil)
		require.Equal(t, http.StatusOK, resp.Code, "request %d", i)
		assert.Equal(t, "2", resp.Header().Get("X-RateLimit-Limit"))
	}

	resp := ts.do(t, http.MethodPost, "/api/billing/checkout", token, []byte(`{"price_id":"price_starter"}`), nil)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
	assert.Equal(t, 2, ts.checkout.calls)

	// Each endpoint has its own bucket.
	resp = ts.do(t, http.MethodGet, "/api/entitlements", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMapErrorPlanValidation(t *testing.T) {
	status, payload := mapError(plandomain.ErrInvalidLimitValue)

	assert.Equal(t, http.StatusBadRequest, status)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "limit_value", payload.Errors[0].Field)
}
