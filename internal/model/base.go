package model

import "github.com/google/uuid"

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Pagination represents common pagination parameters
type Pagination struct {
	Page     int `json:"page" form:"page"`
	PageSize int `json:"page_size" form:"page_size"`
}

// Normalize clamps page and page size into a usable range.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}

func (p Pagination) Limit() int {
	return p.Normalize().PageSize
}

// JSONMap represents a generic JSON object
type JSONMap map[string]interface{}

// Actor identifies who performed an admin action.
type Actor struct {
	ID        uuid.UUID
	Email     string
	IPAddress string
	UserAgent string
}
