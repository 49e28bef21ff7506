package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/storyloom/internal/orchestrator"
)

// SaveWorkflow upserts a workflow snapshot.
func (s *Store) SaveWorkflow(ctx context.Context, r *orchestrator.WorkflowReport) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, name, status, failure_policy, steps_completed, total_steps, error, start_time, end_time, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps_completed = EXCLUDED.steps_completed,
			error = EXCLUDED.error,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.Name, string(r.Status), string(r.FailurePolicy),
		r.StepsCompleted, r.TotalSteps, r.Error, r.StartTime, r.EndTime, snapshot,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", r.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow snapshot by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*orchestrator.WorkflowReport, error) {
	var snapshot []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM workflow_runs WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	var r orchestrator.WorkflowReport
	if err := json.Unmarshal(snapshot, &r); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &r, nil
}

// ListWorkflows returns the most recently finished workflows first. status
// filters when non-empty.
func (s *Store) ListWorkflows(ctx context.Context, status string, limit int) ([]*orchestrator.WorkflowReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT snapshot FROM workflow_runs
		WHERE $1 = '' OR status = $1
		ORDER BY end_time DESC NULLS LAST, updated_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.WorkflowReport
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var r orchestrator.WorkflowReport
		if err := json.Unmarshal(snapshot, &r); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
