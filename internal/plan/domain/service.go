package domain

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	List(ctx context.Context) ([]Plan, error)
	Get(ctx context.Context, id snowflake.ID) (PlanWithLimits, error)
	// ResolveActiveByPriceID maps a provider price id to an active plan.
	ResolveActiveByPriceID(ctx context.Context, priceID string) (*Plan, error)
	Limits(ctx context.Context, planID snowflake.ID) ([]Limit, error)
	Update(ctx context.Context, id snowflake.ID, req UpdateRequest) (Plan, error)
	UpdateLimits(ctx context.Context, id snowflake.ID, changes map[string]LimitInput) (PlanWithLimits, error)
	Ensure(ctx context.Context, req EnsureRequest) (Plan, error)
}

type UpdateRequest struct {
	Name              *string `json:"name"`
	Active            *bool   `json:"active"`
	MonthlyPriceCents *int64  `json:"monthly_price_cents"`
}

// EnsureRequest creates or refreshes a catalog plan by code.
type EnsureRequest struct {
	Code              string
	Name              string
	MonthlyPriceCents int64
	StripePriceID     string
	Limits            map[string]int64
}

// LimitInput is one entry of a limits patch: a number, a string, or a
// deletion when the JSON value was null.
type LimitInput struct {
	Number *int64
	Text   *string
	Delete bool
}

// ParseLimitInputs decodes a {key: number|string|null} patch body.
func ParseLimitInputs(raw map[string]json.RawMessage) (map[string]LimitInput, error) {
	out := make(map[string]LimitInput, len(raw))
	for key, value := range raw {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, ErrInvalidLimitKey
		}

		trimmed := strings.TrimSpace(string(value))
		if trimmed == "" || trimmed == "null" {
			out[key] = LimitInput{Delete: true}
			continue
		}

		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return nil, ErrInvalidLimitValue
		}
		switch v := decoded.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, ErrInvalidLimitValue
			}
			n := int64(v)
			out[key] = LimitInput{Number: &n}
		case string:
			s := v
			out[key] = LimitInput{Text: &s}
		default:
			return nil, ErrInvalidLimitValue
		}
	}
	return out, nil
}

var (
	ErrPlanNotFound      = errors.New("plan_not_found")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidCode       = errors.New("invalid_code")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidLimitKey   = errors.New("invalid_limit_key")
	ErrInvalidLimitValue = errors.New("invalid_limit_value")
	ErrEmptyUpdate       = errors.New("empty_update")
)
