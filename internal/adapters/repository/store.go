// Package repository keeps finalized encounter results for inspection.
package repository

import (
	"context"

	"github.com/okian/healstats/internal/domain/model"
)

// Store provides read/write access to finalized results.
type Store interface {
	// Put records a finalized result. When the store is full the oldest
	// result is evicted.
	Put(ctx context.Context, res model.Result) error

	// Get returns the result of one encounter.
	// Returns ErrNotFound if the encounter is unknown or was evicted.
	Get(ctx context.Context, encounterID string) (model.Result, error)

	// Recent returns up to n results, newest first. n == 0 returns all.
	Recent(ctx context.Context, n int) ([]model.Result, error)

	// Count returns the number of results held.
	Count(ctx context.Context) int
}
