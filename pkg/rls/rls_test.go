package rls

import (
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestPrivilegedHandle(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:rls_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if IsPrivileged(db) {
		t.Fatalf("plain handle must not be privileged")
	}
	if !IsPrivileged(Privileged(db)) {
		t.Fatalf("expected privileged handle")
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return WithTenant(tx, snowflake.ID(42))
	})
	if err != nil {
		t.Fatalf("expected tenant scoping to be a no-op on sqlite, got %v", err)
	}
}
