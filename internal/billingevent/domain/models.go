package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event is one verified provider webhook delivery. A row with ProcessedAt
// set is never processed again.
type Event struct {
	EventID        string         `gorm:"column:event_id;primaryKey" json:"event_id"`
	Type           string         `json:"type"`
	Payload        datatypes.JSON `json:"payload"`
	ReceivedAt     time.Time      `json:"received_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	DeadLetteredAt *time.Time     `json:"dead_lettered_at,omitempty"`
}

func (Event) TableName() string { return "stripe_events" }

func (e *Event) Processed() bool {
	return e != nil && e.ProcessedAt != nil
}

type Cursor struct {
	EventID    string
	ReceivedAt time.Time
}

type ListFilter struct {
	Pending bool
	Type    string
	Cursor  *Cursor
	Limit   int
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, eventID string) (*Event, error)
	Upsert(ctx context.Context, db *gorm.DB, event *Event) error
	MarkProcessed(ctx context.Context, db *gorm.DB, eventID string, processedAt time.Time) error
	RecordFailure(ctx context.Context, db *gorm.DB, eventID string, message string) (int, error)
	MarkDeadLettered(ctx context.Context, db *gorm.DB, eventID string, at time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Event, error)
}

var (
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventNotFound    = errors.New("event_not_found")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
