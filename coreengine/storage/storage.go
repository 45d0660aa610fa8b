// Package storage defines the run history model shared by the store backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
)

// ErrNotFound is returned when a run is not in the history.
var ErrNotFound = errors.New("storage: not found")

// Run status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDropped = "dropped"
)

// RunRecord is the persisted view of one run.
type RunRecord struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RunStore persists run snapshots and their ordered event log.
type RunStore interface {
	SaveState(ctx context.Context, runID string, state map[string]any) error
	LoadState(ctx context.Context, runID string) (map[string]any, error)
	CompleteRun(ctx context.Context, runID, status, errMsg string, state map[string]any) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	AppendEvent(ctx context.Context, event envelope.StageEvent) error
	ListEvents(ctx context.Context, runID string) ([]envelope.StageEvent, error)
	Close() error
}
