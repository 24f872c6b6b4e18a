package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, eventID string) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT event_id, type, payload, received_at, processed_at,
			attempts, last_error, dead_lettered_at
		 FROM stripe_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.EventID == "" {
		return nil, nil
	}
	return &item, nil
}

// Upsert refreshes type, payload and received_at on conflict and never
// touches processed_at.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO stripe_events (event_id, type, payload, received_at, attempts)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT (event_id) DO UPDATE SET
			type = excluded.type,
			payload = excluded.payload,
			received_at = excluded.received_at`,
		event.EventID,
		event.Type,
		event.Payload,
		event.ReceivedAt,
	).Error
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, eventID string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE stripe_events
		 SET processed_at = ?, last_error = NULL
		 WHERE event_id = ?`,
		processedAt,
		eventID,
	).Error
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, eventID string, message string) (int, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE stripe_events
		 SET attempts = attempts + 1, last_error = ?
		 WHERE event_id = ?`,
		message,
		eventID,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrEventNotFound
	}

	var attempts int
	if err := db.WithContext(ctx).Raw(
		`SELECT attempts FROM stripe_events WHERE event_id = ?`,
		eventID,
	).Scan(&attempts).Error; err != nil {
		return 0, err
	}
	return attempts, nil
}

// MarkDeadLettered reports whether this call set dead_lettered_at.
func (r *repo) MarkDeadLettered(ctx context.Context, db *gorm.DB, eventID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE stripe_events
		 SET dead_lettered_at = ?
		 WHERE event_id = ? AND dead_lettered_at IS NULL`,
		at,
		eventID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Event, error) {
	var events []*domain.Event
	stmt := db.WithContext(ctx).Model(&domain.Event{})
	if filter.Pending {
		stmt = stmt.Where("processed_at IS NULL")
	}
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(received_at < ?) OR (received_at = ? AND event_id < ?)",
			filter.Cursor.ReceivedAt.UTC(),
			filter.Cursor.ReceivedAt.UTC(),
			filter.Cursor.EventID,
		)
	}

	stmt = stmt.Order("received_at desc, event_id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
