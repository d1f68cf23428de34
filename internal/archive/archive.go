// Package archive persists terminal records that fell out of the in-memory
// history, so results stay queryable after eviction or restart.
package archive

import (
	"context"
	"errors"

	"agentflow/internal/domain"
)

var ErrNotFound = errors.New("archive: not found")

type Archive interface {
	Put(ctx context.Context, rec domain.Record) error
	Get(ctx context.Context, id string) (domain.Record, error)
	Close() error
}
