package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	SlugPrefix string
	Cursor     *Cursor
	Limit      int
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	SlugExists(ctx context.Context, db *gorm.DB, slug string) (bool, error)
	Insert(ctx context.Context, db *gorm.DB, org *Organization) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Organization, error)
}
