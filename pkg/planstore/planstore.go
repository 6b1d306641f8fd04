// Package planstore defines persistence for task plans. The scheduler writes
// status changes through a Store first and falls back to in-memory mutation if
// the write fails, so implementations must keep the stored plan internally
// consistent even on partial failures.
package planstore

import (
	"context"
	"errors"

	"github.com/nstogner/overseer/pkg/domain"
)

// ErrNotFound is returned when no plan exists for the requested id.
var ErrNotFound = errors.New("plan not found")

// Store manages the persistence of plans and their step statuses.
type Store interface {
	// Create persists a new plan. The ID field must be set by the caller.
	Create(ctx context.Context, plan *domain.Plan) error

	// Get retrieves a plan by its unique ID.
	// Returns ErrNotFound if the plan does not exist.
	Get(ctx context.Context, id string) (*domain.Plan, error)

	// List returns all plans, ordered by creation time descending.
	List(ctx context.Context) ([]domain.Plan, error)

	// Update overwrites the plan's title, steps, statuses, and notes.
	Update(ctx context.Context, plan *domain.Plan) error

	// UpdateStepStatus sets one step's status and note.
	// Returns ErrNotFound if the plan or step index does not exist.
	UpdateStepStatus(ctx context.Context, planID string, stepIndex int, status domain.StepStatus, note string) error

	// Delete removes a plan and its steps by ID.
	Delete(ctx context.Context, id string) error
}
