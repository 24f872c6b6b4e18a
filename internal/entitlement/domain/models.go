package domain

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusInactive    = "inactive"
	StatusGracePeriod = "grace_period"
)

// Snapshot is the derived entitlement cache for one tenant. It is always
// rewritten whole by a rebuild.
type Snapshot struct {
	OrgID     snowflake.ID      `gorm:"column:org_id;primaryKey" json:"org_id"`
	PlanCode  *string           `json:"plan_code"`
	Status    string            `json:"status"`
	Limits    datatypes.JSONMap `json:"limits"`
	Addons    datatypes.JSONMap `json:"addons"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (Snapshot) TableName() string { return "entitlements" }

// NumericLimit unwraps {"value": n} or a bare number.
func (s *Snapshot) NumericLimit(key string) (int64, bool) {
	if s == nil {
		return 0, false
	}
	raw, ok := s.Limits[key]
	if !ok {
		return 0, false
	}
	if wrapped, ok := raw.(map[string]any); ok {
		raw, ok = wrapped["value"]
		if !ok {
			return 0, false
		}
	}
	return toInt64(raw)
}

// HasFeature reports whether the add-on map holds a truthy value for key or
// the limit map holds literal true.
func (s *Snapshot) HasFeature(key string) bool {
	if s == nil {
		return false
	}
	if truthy(s.Addons[key]) {
		return true
	}
	flag, ok := s.Limits[key].(bool)
	return ok && flag
}

// AddonQuantity returns the numeric add-on value, or zero.
func (s *Snapshot) AddonQuantity(key string) int64 {
	if s == nil {
		return 0
	}
	n, _ := toInt64(s.Addons[key])
	return n
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any, []any:
		return true
	default:
		n, ok := toInt64(v)
		return ok && n != 0
	}
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Snapshot, error)
	Upsert(ctx context.Context, db *gorm.DB, snapshot *Snapshot) error
	ListByOrgIDs(ctx context.Context, db *gorm.DB, orgIDs []snowflake.ID) ([]Snapshot, error)
}
