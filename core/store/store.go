// Package store persists session records.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/model"
)

var (
	ErrNotFound = errors.New("session not found")
)

type Store interface {
	Put(ctx context.Context, record model.SessionRecord) error
	Get(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error)
	// All returns records ordered by start time, oldest first.
	All(ctx context.Context) ([]*model.SessionRecord, error)
	Close() error
}
