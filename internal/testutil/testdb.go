// Package testutil builds in-memory databases and fixtures for service tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE organizations (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE plans (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		monthly_price_cents BIGINT NOT NULL DEFAULT 0,
		stripe_product_id TEXT,
		stripe_price_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE plan_limits (
		id BIGINT PRIMARY KEY,
		plan_id BIGINT NOT NULL,
		key TEXT NOT NULL,
		value BIGINT,
		value_text TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (plan_id, key)
	)`,
	`CREATE TABLE addons (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		stripe_price_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE org_addons (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		addon_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		quantity INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, addon_id)
	)`,
	`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		plan_id BIGINT NOT NULL,
		stripe_subscription_id TEXT NOT NULL UNIQUE,
		stripe_customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_start TIMESTAMP,
		current_period_end TIMESTAMP,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
		grace_period_until TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE stripe_events (
		event_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		dead_lettered_at TIMESTAMP
	)`,
	`CREATE TABLE entitlements (
		org_id BIGINT PRIMARY KEY,
		plan_code TEXT,
		status TEXT NOT NULL,
		limits TEXT NOT NULL,
		addons TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		org_id BIGINT,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

// OpenDB returns an isolated in-memory database with the billing schema.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake generator for fixtures.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
