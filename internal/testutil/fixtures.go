package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Fixtures inserts catalog and tenant rows with raw SQL so tests do not
// depend on the services under test.
type Fixtures struct {
	DB   *gorm.DB
	Node *snowflake.Node
	Now  time.Time
}

func NewFixtures(t testing.TB, db *gorm.DB) *Fixtures {
	t.Helper()
	return &Fixtures{DB: db, Node: NewNode(t), Now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fixtures) Org(t testing.TB, name string) snowflake.ID {
	t.Helper()
	id := f.Node.Generate()
	err := f.DB.Exec(
		`INSERT INTO organizations (id, name, slug, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, fmt.Sprintf("%s-%d", name, id.Int64()), f.Now, f.Now,
	).Error
	if err != nil {
		t.Fatalf("insert organization: %v", err)
	}
	return id
}

// Plan inserts an active plan. Limit values may be int64, int, string or nil.
func (f *Fixtures) Plan(t testing.TB, code, stripePriceID string, limits map[string]any) snowflake.ID {
	t.Helper()
	id := f.Node.Generate()
	var price any
	if stripePriceID != "" {
		price = stripePriceID
	}
	err := f.DB.Exec(
		`INSERT INTO plans (id, code, name, active, monthly_price_cents, stripe_price_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, code, code, true, 2500, price, f.Now, f.Now,
	).Error
	if err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	for key, value := range limits {
		f.PlanLimit(t, id, key, value)
	}
	return id
}

func (f *Fixtures) PlanLimit(t testing.TB, planID snowflake.ID, key string, value any) {
	t.Helper()
	var numeric, text any
	switch v := value.(type) {
	case int:
		numeric = int64(v)
	case int64:
		numeric = v
	case string:
		text = v
	case nil:
	default:
		t.Fatalf("unsupported limit value %T", value)
	}
	err := f.DB.Exec(
		`INSERT INTO plan_limits (id, plan_id, key, value, value_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Node.Generate(), planID, key, numeric, text, f.Now, f.Now,
	).Error
	if err != nil {
		t.Fatalf("insert plan limit: %v", err)
	}
}

func (f *Fixtures) Addon(t testing.TB, code, stripePriceID string) snowflake.ID {
	t.Helper()
	id := f.Node.Generate()
	var price any
	if stripePriceID != "" {
		price = stripePriceID
	}
	err := f.DB.Exec(
		`INSERT INTO addons (id, code, name, active, stripe_price_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, code, code, true, price, f.Now, f.Now,
	).Error
	if err != nil {
		t.Fatalf("insert addon: %v", err)
	}
	return id
}

// OrgAddon attaches an add-on to a tenant. A nil quantity stores NULL.
func (f *Fixtures) OrgAddon(t testing.TB, orgID, addonID snowflake.ID, status string, quantity *int) {
	t.Helper()
	var qty any
	if quantity != nil {
		qty = *quantity
	}
	err := f.DB.Exec(
		`INSERT INTO org_addons (id, org_id, addon_id, status, quantity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Node.Generate(), orgID, addonID, status, qty, f.Now, f.Now,
	).Error
	if err != nil {
		t.Fatalf("insert org addon: %v", err)
	}
}

type SubscriptionFixture struct {
	OrgID                snowflake.ID
	PlanID               snowflake.ID
	StripeSubscriptionID string
	StripeCustomerID     string
	Status               string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	GracePeriodUntil     *time.Time
}

func (f *Fixtures) Subscription(t testing.TB, in SubscriptionFixture) snowflake.ID {
	t.Helper()
	id := f.Node.Generate()
	if in.StripeSubscriptionID == "" {
		in.StripeSubscriptionID = fmt.Sprintf("sub_%d", id.Int64())
	}
	if in.StripeCustomerID == "" {
		in.StripeCustomerID = fmt.Sprintf("cus_%d", id.Int64())
	}
	if in.PeriodStart.IsZero() {
		in.PeriodStart = f.Now
	}
	if in.PeriodEnd.IsZero() {
		in.PeriodEnd = in.PeriodStart.AddDate(0, 1, 0)
	}
	err := f.DB.Exec(
		`INSERT INTO subscriptions (
			id, org_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
			current_period_start, current_period_end, cancel_at_period_end, grace_period_until,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.OrgID, in.PlanID, in.StripeSubscriptionID, in.StripeCustomerID, in.Status,
		in.PeriodStart, in.PeriodEnd, false, in.GracePeriodUntil,
		f.Now, f.Now,
	).Error
	if err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	return id
}

func IntPtr(v int) *int { return &v }

func TimePtr(v time.Time) *time.Time { return &v }
