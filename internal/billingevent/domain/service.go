package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
)

type ListEventsRequest struct {
	pagination.Pagination
	Pending bool
	Type    string
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []Event `json:"events"`
}

// Service is the idempotency ledger for provider webhooks.
type Service interface {
	Get(ctx context.Context, eventID string) (*Event, error)
	Record(ctx context.Context, eventID, eventType string, payload []byte) error
	MarkProcessed(ctx context.Context, eventID string) error
	// RecordFailure stores the error and returns the attempt count so far.
	RecordFailure(ctx context.Context, eventID string, cause error) (int, error)
	MarkDeadLettered(ctx context.Context, eventID string) (time.Time, bool, error)
	List(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}
