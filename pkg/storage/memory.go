package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// MemoryStore is a process-local Store. Nothing survives a restart, so it
// is only suitable for dry runs and tests.
type MemoryStore struct {
	mu              sync.RWMutex
	recommendations map[string]models.Recommendation
	audit           []models.AuditEntry
	plans           map[string]models.RollbackPlan
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recommendations: make(map[string]models.Recommendation),
		plans:           make(map[string]models.RollbackPlan),
	}
}

func (m *MemoryStore) SaveRecommendation(_ context.Context, rec *models.Recommendation) error {
	if rec.Workload == nil {
		return fmt.Errorf("recommendation has no workload")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recommendations[rec.ID]; ok {
		return fmt.Errorf("recommendation %s already exists", rec.ID)
	}
	m.recommendations[rec.ID] = copyRecommendation(rec)
	return nil
}

func (m *MemoryStore) GetRecommendation(_ context.Context, id string) (*models.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recommendations[id]
	if !ok {
		return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	out := copyRecommendation(&rec)
	return &out, nil
}

func (m *MemoryStore) ListRecommendations(_ context.Context, namespace string, limit int) ([]*models.Recommendation, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	var recs []*models.Recommendation
	for _, rec := range m.recommendations {
		if namespace != "" && rec.Workload.Namespace != namespace {
			continue
		}
		out := copyRecommendation(&rec)
		recs = append(recs, &out)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *MemoryStore) UpdateRecommendation(_ context.Context, rec *models.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.recommendations[rec.ID]
	if !ok {
		return fmt.Errorf("recommendation %s: %w", rec.ID, ErrNotFound)
	}
	if rec.AppliedAt != nil {
		t := *rec.AppliedAt
		stored.AppliedAt = &t
	} else {
		stored.AppliedAt = nil
	}
	stored.AppliedBy = rec.AppliedBy
	m.recommendations[rec.ID] = stored
	return nil
}

func (m *MemoryStore) LogAction(_ context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *MemoryStore) GetAuditLog(_ context.Context, recommendationID string) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*models.AuditEntry
	// newest first
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].RecommendationID == recommendationID {
			entry := m.audit[i]
			entries = append(entries, &entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ExecutedAt.After(entries[j].ExecutedAt)
	})
	return entries, nil
}

func (m *MemoryStore) SaveRollbackPlan(_ context.Context, plan *models.RollbackPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.UpdatedAt.IsZero() {
		plan.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := copyPlan(plan)
	if existing, ok := m.plans[plan.ID]; ok {
		stored.Owner = existing.Owner
		stored.LeaseExpiresAt = existing.LeaseExpiresAt
	} else {
		for _, other := range m.plans {
			if activePlan(other.State) && other.Workload.Key() == plan.Workload.Key() {
				return fmt.Errorf("%s (plan %s): %w", plan.Workload, other.ID, ErrPlanExists)
			}
		}
	}
	m.plans[plan.ID] = stored
	return nil
}

func (m *MemoryStore) ClaimRollbackPlan(_ context.Context, id, owner string, now, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("rollback plan %s: %w", id, ErrNotFound)
	}
	if plan.LeaseHeld(owner, now) {
		return fmt.Errorf("rollback plan %s held by %s until %s: %w", id, plan.Owner, plan.LeaseExpiresAt.Format(time.RFC3339), ErrLeaseHeld)
	}
	plan.Owner = owner
	plan.LeaseExpiresAt = expires
	m.plans[id] = plan
	return nil
}

func (m *MemoryStore) UpdatePlanState(_ context.Context, id string, state models.OrchestrationState, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("rollback plan %s: %w", id, ErrNotFound)
	}
	plan.State = state
	plan.Note = note
	plan.UpdatedAt = time.Now()
	m.plans[id] = plan
	return nil
}

func (m *MemoryStore) ListRollbackPlans(_ context.Context) ([]*models.RollbackPlan, error) {
	m.mu.RLock()
	plans := make([]*models.RollbackPlan, 0, len(m.plans))
	for _, plan := range m.plans {
		out := copyPlan(&plan)
		plans = append(plans, &out)
	}
	m.mu.RUnlock()

	sort.Slice(plans, func(i, j int) bool {
		if plans[i].CapturedAt.Equal(plans[j].CapturedAt) {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].CapturedAt.Before(plans[j].CapturedAt)
	})
	return plans, nil
}

func (m *MemoryStore) DeleteRollbackPlan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[id]; !ok {
		return fmt.Errorf("rollback plan %s: %w", id, ErrNotFound)
	}
	delete(m.plans, id)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func copyRecommendation(rec *models.Recommendation) models.Recommendation {
	out := *rec
	if rec.Workload != nil {
		w := *rec.Workload
		out.Workload = &w
	}
	if rec.AppliedAt != nil {
		t := *rec.AppliedAt
		out.AppliedAt = &t
	}
	return out
}

func copyPlan(plan *models.RollbackPlan) models.RollbackPlan {
	out := *plan
	if plan.MonitoringStartedAt != nil {
		t := *plan.MonitoringStartedAt
		out.MonitoringStartedAt = &t
	}
	out.OriginalLabels = make(map[string]string, len(plan.OriginalLabels))
	for k, v := range plan.OriginalLabels {
		out.OriginalLabels[k] = v
	}
	out.OriginalResources = make(map[string]corev1.ResourceRequirements, len(plan.OriginalResources))
	for k, v := range plan.OriginalResources {
		out.OriginalResources[k] = *v.DeepCopy()
	}
	out.OriginalEnv = make(map[string][]corev1.EnvVar, len(plan.OriginalEnv))
	for k, v := range plan.OriginalEnv {
		env := make([]corev1.EnvVar, len(v))
		for i := range v {
			v[i].DeepCopyInto(&env[i])
		}
		out.OriginalEnv[k] = env
	}
	return out
}
