package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kanmon-dev/kanmon/internal/model"
)

const decisionColumns = `id, org_id, execution_id, flow_id, node_id, status, language,
	 risk_score, confidence_score, estimated_cost, created_at, expires_at`

// CreateDecision inserts a decision together with its recommendation and
// policy snapshot in one transaction. Creation is idempotent on
// (execution_id, node_id): if a row already exists for the pair, nothing
// is written and the original row is returned with created=false.
func (db *DB) CreateDecision(ctx context.Context, d model.Decision) (model.Decision, bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO decisions (id, org_id, execution_id, flow_id, node_id, status, language,
		 risk_score, confidence_score, estimated_cost, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (execution_id, node_id) DO NOTHING`,
		d.ID, d.OrgID, d.ExecutionID, d.FlowID, d.NodeID, d.Status, d.Language,
		d.RiskScore, d.ConfidenceScore, d.EstimatedCost, d.CreatedAt, d.ExpiresAt,
	)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: create decision: %w", err)
	}

	created := tag.RowsAffected() > 0
	if created {
		if d.Recommendation != nil {
			r := d.Recommendation
			if _, err := tx.Exec(ctx,
				`INSERT INTO decision_recommendations (decision_id, summary, detailed_explanation, model_used, prompt_version)
				 VALUES ($1, $2, $3, $4, $5)`,
				d.ID, r.Summary, r.DetailedExplanation, r.ModelUsed, r.PromptVersion,
			); err != nil {
				return model.Decision{}, false, fmt.Errorf("storage: create recommendation: %w", err)
			}
		}
		if d.PolicySnapshot != nil {
			s := d.PolicySnapshot
			if _, err := tx.Exec(ctx,
				`INSERT INTO decision_policy_snapshots (decision_id, policy_version, evaluated_rules, result)
				 VALUES ($1, $2, $3, $4)`,
				d.ID, s.PolicyVersion, s.EvaluatedRules, s.Result,
			); err != nil {
				return model.Decision{}, false, fmt.Errorf("storage: create policy snapshot: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: commit create: %w", err)
	}

	// Re-select by the natural key so the loser of a concurrent create
	// still gets the winning row.
	stored, err := db.getDecisionWhere(ctx,
		"execution_id = $1 AND node_id = $2", d.ExecutionID, d.NodeID)
	if err != nil {
		return model.Decision{}, false, err
	}
	return stored, created, nil
}

// GetDecision retrieves a decision by ID within an organization,
// including its recommendation, policy snapshot, and action history.
func (db *DB) GetDecision(ctx context.Context, orgID string, id uuid.UUID) (model.Decision, error) {
	return db.getDecisionWhere(ctx, "id = $1 AND org_id = $2", id, orgID)
}

func (db *DB) getDecisionWhere(ctx context.Context, where string, args ...any) (model.Decision, error) {
	var d model.Decision
	err := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE `+where, args...,
	).Scan(
		&d.ID, &d.OrgID, &d.ExecutionID, &d.FlowID, &d.NodeID, &d.Status, &d.Language,
		&d.RiskScore, &d.ConfidenceScore, &d.EstimatedCost, &d.CreatedAt, &d.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}

	decisions := []model.Decision{d}
	if err := db.loadChildren(ctx, decisions); err != nil {
		return model.Decision{}, err
	}
	return decisions[0], nil
}

// ListDecisions returns an organization's decisions newest-first with an
// optional status filter. The returned total counts all matching rows
// before pagination. Limit is clamped to [1, 200]; non-positive limits
// fall back to 50.
func (db *DB) ListDecisions(ctx context.Context, orgID string, status *model.Status, limit, offset int) ([]model.Decision, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	where := " WHERE org_id = $1"
	args := []any{orgID}
	if status != nil {
		where += " AND status = $2"
		args = append(args, *status)
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count decisions: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT `+decisionColumns+` FROM decisions%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := db.loadChildren(ctx, decisions); err != nil {
		return nil, 0, err
	}
	return decisions, total, nil
}

// AppendAction records a lifecycle action and moves the decision to
// newStatus in one transaction, then returns the refreshed decision.
// Returns ErrNotFound if the decision does not exist in the organization.
func (db *DB) AppendAction(ctx context.Context, orgID string, id uuid.UUID, newStatus model.Status, a model.Action) (model.Decision, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE decisions SET status = $1 WHERE id = $2 AND org_id = $3`,
			newStatus, id, orgID,
		)
		if err != nil {
			return fmt.Errorf("storage: update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO decision_actions (id, decision_id, action_type, actor_type, actor_id, comment, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, id, a.ActionType, a.ActorType, a.ActorID, a.Comment, a.Payload, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert action: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit action: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Decision{}, err
	}

	return db.GetDecision(ctx, orgID, id)
}

// ExpiredDecision identifies a decision moved to expired by ExpireOverdue,
// carrying enough context to publish the expiration event.
type ExpiredDecision struct {
	ID          uuid.UUID
	OrgID       string
	ExecutionID uuid.UUID
	FlowID      string
	NodeID      string
	ExpiresAt   time.Time
}

// ExpireOverdue transitions every pending decision whose deadline has
// passed to expired, in a single transaction. Rows are locked with
// FOR UPDATE SKIP LOCKED so concurrent workers never double-expire:
// each overdue row is claimed by exactly one worker per sweep.
func (db *DB) ExpireOverdue(ctx context.Context) ([]ExpiredDecision, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, org_id, execution_id, flow_id, node_id, expires_at
		 FROM decisions
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < now()
		 FOR UPDATE SKIP LOCKED`,
		model.StatusPendingHumanReview,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select overdue: %w", err)
	}

	var expired []ExpiredDecision
	for rows.Next() {
		var e ExpiredDecision
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ExecutionID, &e.FlowID, &e.NodeID, &e.ExpiresAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan overdue: %w", err)
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate overdue: %w", err)
	}

	if len(expired) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE decisions SET status = $1 WHERE id = ANY($2)`,
		model.StatusExpired, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: expire decisions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit expire: %w", err)
	}
	return expired, nil
}

// loadChildren attaches recommendations, policy snapshots, and action
// histories to the given decisions in three batch queries (avoids N+1).
func (db *DB) loadChildren(ctx context.Context, decisions []model.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(decisions))
	index := make(map[uuid.UUID]*model.Decision, len(decisions))
	for i := range decisions {
		ids[i] = decisions[i].ID
		index[decisions[i].ID] = &decisions[i]
		decisions[i].Actions = []model.Action{}
	}

	rows, err := db.pool.Query(ctx,
		`SELECT decision_id, summary, detailed_explanation, model_used, prompt_version
		 FROM decision_recommendations WHERE decision_id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: load recommendations: %w", err)
	}
	for rows.Next() {
		var r model.Recommendation
		if err := rows.Scan(&r.DecisionID, &r.Summary, &r.DetailedExplanation, &r.ModelUsed, &r.PromptVersion); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan recommendation: %w", err)
		}
		if d, ok := index[r.DecisionID]; ok {
			rec := r
			d.Recommendation = &rec
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate recommendations: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT decision_id, policy_version, evaluated_rules, result
		 FROM decision_policy_snapshots WHERE decision_id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: load policy snapshots: %w", err)
	}
	for rows.Next() {
		var s model.PolicySnapshot
		if err := rows.Scan(&s.DecisionID, &s.PolicyVersion, &s.EvaluatedRules, &s.Result); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan policy snapshot: %w", err)
		}
		if d, ok := index[s.DecisionID]; ok {
			snap := s
			d.PolicySnapshot = &snap
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate policy snapshots: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT id, decision_id, action_type, actor_type, actor_id, comment, payload, created_at
		 FROM decision_actions WHERE decision_id = ANY($1) ORDER BY created_at ASC, id ASC`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: load actions: %w", err)
	}
	for rows.Next() {
		var a model.Action
		if err := rows.Scan(&a.ID, &a.DecisionID, &a.ActionType, &a.ActorType, &a.ActorID, &a.Comment, &a.Payload, &a.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan action: %w", err)
		}
		if d, ok := index[a.DecisionID]; ok {
			d.Actions = append(d.Actions, a)
		}
	}
	rows.Close()
	return rows.Err()
}

func scanDecisions(rows pgx.Rows) ([]model.Decision, error) {
	var decisions []model.Decision
	for rows.Next() {
		var d model.Decision
		if err := rows.Scan(
			&d.ID, &d.OrgID, &d.ExecutionID, &d.FlowID, &d.NodeID, &d.Status, &d.Language,
			&d.RiskScore, &d.ConfidenceScore, &d.EstimatedCost, &d.CreatedAt, &d.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
