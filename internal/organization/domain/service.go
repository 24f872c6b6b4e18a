package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
)

type Service interface {
	Create(ctx context.Context, req CreateOrganizationRequest) (*Organization, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	List(ctx context.Context, req ListOrganizationRequest) (ListOrganizationResponse, error)
}

type CreateOrganizationRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ListOrganizationRequest struct {
	pagination.Pagination
	// Query is slugified before matching, so "Acme Logistics" finds acme-logistics.
	Query string
}

type ListOrganizationResponse struct {
	pagination.PageInfo
	Organizations []Organization `json:"organizations"`
}

var (
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrOrganizationMissing = errors.New("organization_not_found")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrSlugTaken           = errors.New("slug_taken")
)
