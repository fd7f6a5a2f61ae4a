package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

var placeholder = regexp.MustCompile(`\$\d+`)

// sqlStore is the database/sql implementation shared by the Postgres and
// SQLite stores. Queries are written with $n placeholders.
type sqlStore struct {
	db       *sql.DB
	rebindQs bool

	// uniqueViolation recognizes the driver's unique constraint error
	uniqueViolation func(error) bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.rebindQs {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// SaveRecommendation saves a recommendation
func (s *sqlStore) SaveRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if rec.Workload == nil {
		return fmt.Errorf("recommendation has no workload")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO recommendations (
			id, cluster_id, namespace, deployment, action, environment,
			idle_probability, confidence, reason, savings_monthly_usd,
			risk, command, created_at, applied_at, applied_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.exec(ctx, query,
		rec.ID, rec.Workload.ClusterID, rec.Workload.Namespace, rec.Workload.Name,
		string(rec.Action), rec.Environment,
		rec.IdleProbability, rec.Confidence, rec.Reason, rec.SavingsMonthly,
		string(rec.Risk), rec.Command, rec.CreatedAt, rec.AppliedAt, nullString(rec.AppliedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save recommendation: %w", err)
	}
	return nil
}

const recommendationColumns = `id, cluster_id, namespace, deployment, action, environment,
	idle_probability, confidence, reason, savings_monthly_usd,
	risk, command, created_at, applied_at, applied_by`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row scanner) (*models.Recommendation, error) {
	var rec models.Recommendation
	var workload models.Workload
	var action, risk string
	var appliedAt sql.NullTime
	var appliedBy sql.NullString

	err := row.Scan(
		&rec.ID, &workload.ClusterID, &workload.Namespace, &workload.Name,
		&action, &rec.Environment,
		&rec.IdleProbability, &rec.Confidence, &rec.Reason, &rec.SavingsMonthly,
		&risk, &rec.Command, &rec.CreatedAt, &appliedAt, &appliedBy,
	)
	if err != nil {
		return nil, err
	}

	workload.Kind = models.KindDeployment
	rec.Workload = &workload
	rec.Action = models.ScalingAction(action)
	rec.Risk = models.RiskLevel(risk)
	if appliedAt.Valid {
		t := appliedAt.Time
		rec.AppliedAt = &t
	}
	rec.AppliedBy = appliedBy.String
	return &rec, nil
}

// GetRecommendation retrieves a recommendation by ID
func (s *sqlStore) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = $1`

	rec, err := scanRecommendation(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recommendation: %w", err)
	}
	return rec, nil
}

// ListRecommendations lists the newest recommendations, optionally filtered
// by namespace
func (s *sqlStore) ListRecommendations(ctx context.Context, namespace string, limit int) ([]*models.Recommendation, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if namespace != "" {
		query := `SELECT ` + recommendationColumns + ` FROM recommendations
			WHERE namespace = $1 ORDER BY created_at DESC LIMIT $2`
		rows, err = s.query(ctx, query, namespace, limit)
	} else {
		query := `SELECT ` + recommendationColumns + ` FROM recommendations
			ORDER BY created_at DESC LIMIT $1`
		rows, err = s.query(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*models.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateRecommendation records when and by whom a recommendation was applied
func (s *sqlStore) UpdateRecommendation(ctx context.Context, rec *models.Recommendation) error {
	query := `UPDATE recommendations SET applied_at = $1, applied_by = $2 WHERE id = $3`

	res, err := s.exec(ctx, query, rec.AppliedAt, nullString(rec.AppliedBy), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update recommendation: %w", err)
	}
	return expectOne(res, "recommendation", rec.ID)
}

// LogAction appends an audit entry
func (s *sqlStore) LogAction(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now()
	}

	query := `
		INSERT INTO audit_log (
			id, recommendation_id, cluster_id, namespace, deployment,
			action, status, error_message, executed_by, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.exec(ctx, query,
		entry.ID, entry.RecommendationID,
		entry.Workload.ClusterID, entry.Workload.Namespace, entry.Workload.Name,
		entry.Action, entry.Status, nullString(entry.ErrorMessage), nullString(entry.ExecutedBy),
		entry.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log action: %w", err)
	}
	return nil
}

// GetAuditLog returns the audit trail of a recommendation, newest first
func (s *sqlStore) GetAuditLog(ctx context.Context, recommendationID string) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, recommendation_id, cluster_id, namespace, deployment,
			action, status, error_message, executed_by, executed_at
		FROM audit_log
		WHERE recommendation_id = $1
		ORDER BY executed_at DESC
	`

	rows, err := s.query(ctx, query, recommendationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var errorMessage, executedBy sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.RecommendationID,
			&entry.Workload.ClusterID, &entry.Workload.Namespace, &entry.Workload.Name,
			&entry.Action, &entry.Status, &errorMessage, &executedBy, &entry.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Workload.Kind = models.KindDeployment
		entry.ErrorMessage = errorMessage.String
		entry.ExecutedBy = executedBy.String
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// SaveRollbackPlan inserts the plan or overwrites the row with the same ID.
// The partial unique index on the workload rejects a second live plan.
func (s *sqlStore) SaveRollbackPlan(ctx context.Context, plan *models.RollbackPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.UpdatedAt.IsZero() {
		plan.UpdatedAt = time.Now()
	}

	resources, err := json.Marshal(plan.OriginalResources)
	if err != nil {
		return fmt.Errorf("failed to encode resources: %w", err)
	}
	labels, err := json.Marshal(plan.OriginalLabels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	env, err := json.Marshal(plan.OriginalEnv)
	if err != nil {
		return fmt.Errorf("failed to encode env: %w", err)
	}

	query := `
		INSERT INTO rollback_plans (
			id, cluster_id, namespace, deployment, original_replicas,
			original_resources, original_labels, original_env,
			captured_at, rollback_timeout_ns, state,
			monitoring_started_at, monitor_window_ns, note, owner,
			lease_expires_ns, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			original_replicas = excluded.original_replicas,
			original_resources = excluded.original_resources,
			original_labels = excluded.original_labels,
			original_env = excluded.original_env,
			state = excluded.state,
			monitoring_started_at = excluded.monitoring_started_at,
			monitor_window_ns = excluded.monitor_window_ns,
			note = excluded.note,
			updated_at = excluded.updated_at
	`

	_, err = s.exec(ctx, query,
		plan.ID, plan.Workload.ClusterID, plan.Workload.Namespace, plan.Workload.Name,
		plan.OriginalReplicas, string(resources), string(labels), string(env),
		plan.CapturedAt, int64(plan.RollbackTimeout), string(plan.State),
		plan.MonitoringStartedAt, int64(plan.MonitorWindow), plan.Note, plan.Owner,
		leaseNanos(plan.LeaseExpiresAt), plan.UpdatedAt,
	)
	if err != nil && s.uniqueViolation != nil && s.uniqueViolation(err) {
		return fmt.Errorf("%s: %w", plan.Workload, ErrPlanExists)
	}
	if err != nil {
		return fmt.Errorf("failed to save rollback plan: %w", err)
	}
	return nil
}

// ClaimRollbackPlan takes the lease in one conditional UPDATE so two
// instances racing for an expired lease cannot both win
func (s *sqlStore) ClaimRollbackPlan(ctx context.Context, id, owner string, now, expires time.Time) error {
	query := `
		UPDATE rollback_plans SET owner = $1, lease_expires_ns = $2
		WHERE id = $3 AND (owner = '' OR owner = $4 OR lease_expires_ns <= $5)
	`

	res, err := s.exec(ctx, query, owner, leaseNanos(expires), id, owner, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to claim rollback plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var holder string
	var lease int64
	err = s.queryRow(ctx, `SELECT owner, lease_expires_ns FROM rollback_plans WHERE id = $1`, id).Scan(&holder, &lease)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rollback plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read rollback plan lease: %w", err)
	}
	return fmt.Errorf("rollback plan %s held by %s until %s: %w",
		id, holder, time.Unix(0, lease).UTC().Format(time.RFC3339), ErrLeaseHeld)
}

func leaseNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// UpdatePlanState moves a journaled plan to a new state
func (s *sqlStore) UpdatePlanState(ctx context.Context, id string, state models.OrchestrationState, note string) error {
	query := `UPDATE rollback_plans SET state = $1, note = $2, updated_at = $3 WHERE id = $4`

	res, err := s.exec(ctx, query, string(state), note, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan state: %w", err)
	}
	return expectOne(res, "rollback plan", id)
}

// ListRollbackPlans returns every journaled plan, oldest first
func (s *sqlStore) ListRollbackPlans(ctx context.Context) ([]*models.RollbackPlan, error) {
	query := `
		SELECT id, cluster_id, namespace, deployment, original_replicas,
			original_resources, original_labels, original_env,
			captured_at, rollback_timeout_ns, state,
			monitoring_started_at, monitor_window_ns, note, owner,
			lease_expires_ns, updated_at
		FROM rollback_plans
		ORDER BY captured_at ASC
	`

	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.RollbackPlan
	for rows.Next() {
		var plan models.RollbackPlan
		var resources, labels, env []byte
		var timeout, window, lease int64
		var state string
		var monitoringStartedAt sql.NullTime

		err := rows.Scan(
			&plan.ID, &plan.Workload.ClusterID, &plan.Workload.Namespace, &plan.Workload.Name,
			&plan.OriginalReplicas, &resources, &labels, &env,
			&plan.CapturedAt, &timeout, &state,
			&monitoringStartedAt, &window, &plan.Note, &plan.Owner,
			&lease, &plan.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback plan: %w", err)
		}

		plan.Workload.Kind = models.KindDeployment
		plan.RollbackTimeout = time.Duration(timeout)
		plan.MonitorWindow = time.Duration(window)
		plan.State = models.OrchestrationState(state)
		if lease != 0 {
			plan.LeaseExpiresAt = time.Unix(0, lease).UTC()
		}
		if monitoringStartedAt.Valid {
			t := monitoringStartedAt.Time
			plan.MonitoringStartedAt = &t
		}
		if err := decodePlanColumns(&plan, resources, labels, env); err != nil {
			return nil, fmt.Errorf("rollback plan %s: %w", plan.ID, err)
		}
		plans = append(plans, &plan)
	}
	return plans, rows.Err()
}

func decodePlanColumns(plan *models.RollbackPlan, resources, labels, env []byte) error {
	plan.OriginalResources = map[string]corev1.ResourceRequirements{}
	if err := json.Unmarshal(resources, &plan.OriginalResources); err != nil {
		return fmt.Errorf("failed to decode resources: %w", err)
	}
	plan.OriginalLabels = map[string]string{}
	if err := json.Unmarshal(labels, &plan.OriginalLabels); err != nil {
		return fmt.Errorf("failed to decode labels: %w", err)
	}
	plan.OriginalEnv = map[string][]corev1.EnvVar{}
	if err := json.Unmarshal(env, &plan.OriginalEnv); err != nil {
		return fmt.Errorf("failed to decode env: %w", err)
	}
	return nil
}

// DeleteRollbackPlan removes a plan from the journal
func (s *sqlStore) DeleteRollbackPlan(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM rollback_plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rollback plan: %w", err)
	}
	return expectOne(res, "rollback plan", id)
}

// Ping checks database connectivity
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
