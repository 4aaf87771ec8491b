package storage

import (
	"context"
	"errors"
	"time"

	"halftimebot/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the sink and the HTTP surface use.
type Store interface {
	// InsertPicks inserts rows in order and returns their generated ids.
	InsertPicks(ctx context.Context, rows []domain.PickRecord) ([]int64, error)
	// PicksFor returns the rows recorded for one game on one date.
	PicksFor(ctx context.Context, gameLabel, date string) ([]domain.PickRecord, error)
	SetHit(ctx context.Context, id int64, hit bool) error
	ListPicks(ctx context.Context, f domain.PickFilter) ([]domain.PickRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Driver() string
	Ping(ctx context.Context) error
	Close() error
}
