package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrPlanExists is returned when the workload already has a rollback
	// plan that has not reached a clean terminal state
	ErrPlanExists = errors.New("workload already has an active rollback plan")

	// ErrLeaseHeld is returned when another instance holds a live lease on
	// the plan
	ErrLeaseHeld = errors.New("rollback plan is leased to another instance")
)

// Store defines the interface for persistent storage
type Store interface {
	SaveRecommendation(ctx context.Context, rec *models.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error)
	ListRecommendations(ctx context.Context, namespace string, limit int) ([]*models.Recommendation, error)
	UpdateRecommendation(ctx context.Context, rec *models.Recommendation) error

	LogAction(ctx context.Context, entry *models.AuditEntry) error
	GetAuditLog(ctx context.Context, recommendationID string) ([]*models.AuditEntry, error)

	// Rollback journal. A plan stays until its orchestration completes or
	// rolls back; FAILED plans stay until a human deletes them. Saving a
	// new plan for a workload that still has one fails with ErrPlanExists.
	// Re-saving a plan keeps its owner and lease.
	SaveRollbackPlan(ctx context.Context, plan *models.RollbackPlan) error
	// ClaimRollbackPlan makes owner the lease holder until expires. It
	// fails with ErrLeaseHeld while another owner's lease is live at now.
	ClaimRollbackPlan(ctx context.Context, id, owner string, now, expires time.Time) error
	UpdatePlanState(ctx context.Context, id string, state models.OrchestrationState, note string) error
	ListRollbackPlans(ctx context.Context) ([]*models.RollbackPlan, error)
	DeleteRollbackPlan(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Driver string // postgres, sqlite or memory
	DSN    string
}

// New opens the store for the configured driver
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// activePlan reports whether a plan in state still blocks a new attempt on
// its workload. FAILED plans block until a human resolves them.
func activePlan(state models.OrchestrationState) bool {
	switch state {
	case models.StateCompleted, models.StateRolledBack, models.StateAborted:
		return false
	}
	return true
}
