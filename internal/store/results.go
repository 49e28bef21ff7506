package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/storyloom/internal/agent"
)

// SaveResult archives a task Result. A second save of the same task is
// ignored: results are written once.
func (s *Store) SaveResult(ctx context.Context, workflowID string, res *agent.Result) error {
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var metadata []byte
	if len(res.Metadata) > 0 {
		if metadata, err = json.Marshal(res.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	var wf *string
	if workflowID != "" {
		wf = &workflowID
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO task_results (task_id, workflow_id, agent_id, success, payload, error, elapsed_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO NOTHING`,
		res.TaskID, wf, res.WorkerID, res.Success, payload, res.Error,
		res.Elapsed.Milliseconds(), metadata,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.TaskID, err)
	}
	return nil
}

// GetResult loads an archived Result by task id.
func (s *Store) GetResult(ctx context.Context, taskID string) (*agent.Result, error) {
	var (
		res       agent.Result
		payload   []byte
		metadata  []byte
		elapsedMS int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT task_id, agent_id, success, payload, error, elapsed_ms, metadata
		FROM task_results WHERE task_id = $1`, taskID,
	).Scan(&res.TaskID, &res.WorkerID, &res.Success, &payload, &res.Error, &elapsedMS, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", taskID, err)
	}

	res.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", taskID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &res.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", taskID, err)
		}
	}
	return &res, nil
}

// ListResults returns the archived results of one workflow, oldest first.
func (s *Store) ListResults(ctx context.Context, workflowID string) ([]*agent.Result, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, agent_id, success, payload, error, elapsed_ms
		FROM task_results
		WHERE workflow_id = $1
		ORDER BY completed_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*agent.Result
	for rows.Next() {
		var (
			res       agent.Result
			payload   []byte
			elapsedMS int64
		)
		if err := rows.Scan(&res.TaskID, &res.WorkerID, &res.Success, &payload, &res.Error, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &res.Payload); err != nil {
				return nil, fmt.Errorf("decode payload %s: %w", res.TaskID, err)
			}
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}
