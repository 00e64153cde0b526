// Package store persists inbound items and answers listing queries.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

var (
	ErrNotFound  = errors.New("item not found")
	ErrConflict  = errors.New("item status changed concurrently")
	ErrDuplicate = errors.New("item already exists")
)

// Store is the item repository shared by intake, the dispatcher and the API.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, item *inbound.Item) error
	Get(ctx context.Context, id string) (*inbound.Item, error)
	// Update replaces the stored item only if its status is still from.
	// It returns ErrConflict when another writer got there first.
	Update(ctx context.Context, item *inbound.Item, from inbound.Status) error
	List(ctx context.Context, q Query) (Page, error)
	// Due returns new items of the channel received at or before cutoff,
	// oldest first
	Due(ctx context.Context, ch inbound.Channel, cutoff time.Time) ([]*inbound.Item, error)
	// CountResponded counts replies sent on the channel at or after since
	CountResponded(ctx context.Context, ch inbound.Channel, since time.Time) (int, error)
	// FindBySource looks an item up by inbound Message-ID
	FindBySource(ctx context.Context, sourceID string) (*inbound.Item, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type SortField string

const (
	SortReceivedAt SortField = "receivedAt"
	SortName       SortField = "name"
	SortPriority   SortField = "priority"
	SortStatus     SortField = "status"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Query filters, searches and pages a listing
type Query struct {
	Channel   inbound.Channel
	Status    inbound.Status
	Priority  inbound.Priority
	Search    string // ASCII case-insensitive over name, handle, subject and company
	Page      int    // 1-based
	Limit     int
	SortBy    SortField
	SortOrder string // "asc" or "desc"
}

// Normalize fills defaults and clamps paging
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	switch q.SortBy {
	case SortReceivedAt, SortName, SortPriority, SortStatus:
	default:
		q.SortBy = SortReceivedAt
	}
	q.SortOrder = strings.ToLower(q.SortOrder)
	if q.SortOrder != "asc" {
		q.SortOrder = "desc"
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

func (q Query) offset() int { return (q.Page - 1) * q.Limit }

// foldASCII lowercases A-Z only, matching SQLite's LOWER() so every
// backend answers a search the same way
func foldASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// Page is one page of a listing
type Page struct {
	Items      []*inbound.Item `json:"items"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	Limit      int             `json:"limit"`
	TotalPages int             `json:"totalPages"`
}

func newPage(items []*inbound.Item, total int, q Query) Page {
	if items == nil {
		items = []*inbound.Item{}
	}
	return Page{
		Items:      items,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}
}

// Stats counts items per status and per channel
type Stats struct {
	Total     int                     `json:"total"`
	ByStatus  map[inbound.Status]int  `json:"byStatus"`
	ByChannel map[inbound.Channel]int `json:"byChannel"`
}

func newStats() Stats {
	return Stats{
		ByStatus:  make(map[inbound.Status]int),
		ByChannel: make(map[inbound.Channel]int),
	}
}
