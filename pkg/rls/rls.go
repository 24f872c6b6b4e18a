package rls

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const privilegedKey = "rls:privileged"

// WithTenant scopes the current transaction to one organization. Only
// postgres enforces row level security; other dialects are a no-op.
func WithTenant(tx *gorm.DB, orgID snowflake.ID) error {
	if tx.Dialector == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec(
		"SET LOCAL app.current_org_id = ?",
		fmt.Sprintf("%d", orgID.Int64()),
	).Error
}

// Privileged marks a handle that reads and writes across tenants. The
// billing pipeline runs exclusively on this handle.
func Privileged(db *gorm.DB) *gorm.DB {
	return db.Set(privilegedKey, true)
}

func IsPrivileged(db *gorm.DB) bool {
	v, ok := db.Get(privilegedKey)
	if !ok {
		return false
	}
	privileged, _ := v.(bool)
	return privileged
}
