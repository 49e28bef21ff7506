// Package lineage records finished workflows as a Neo4j graph:
// (:Workflow)-[:HAS_STEP]->(:Step)-[:DEPENDS_ON]->(:Step), and
// (:Agent)-[:EXECUTED]->(:Task)<-[:RAN_AS]-(:Step).
package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/storyloom/internal/agent"
	"github.com/nidhogg/storyloom/internal/orchestrator"
	"go.uber.org/zap"
)

// Recorder writes workflow lineage to Neo4j.
type Recorder struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRecorder connects to Neo4j and verifies connectivity.
func NewRecorder(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Recorder, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Recorder{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Handle is an orchestrator.EventHandler.
func (r *Recorder) Handle(ctx context.Context, ev *orchestrator.Event) error {
	switch ev.Type {
	case orchestrator.EventTaskCompleted:
		if ev.Result != nil {
			return r.RecordTask(ctx, ev.WorkflowID, ev.Result)
		}
	case orchestrator.EventWorkflowFinished:
		if ev.Workflow != nil {
			return r.RecordWorkflow(ctx, ev.Workflow)
		}
	}
	return nil
}

// Events lists the event types Handle consumes.
var Events = []orchestrator.EventType{
	orchestrator.EventTaskCompleted,
	orchestrator.EventWorkflowFinished,
}

// RecordTask links the executing agent to the task it ran.
func (r *Recorder) RecordTask(ctx context.Context, workflowID string, res *agent.Result) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (a:Agent {id: $agentId})
		 MERGE (t:Task {id: $taskId})
		 SET t.workflow_id = $workflowId, t.success = $success,
		     t.error = $error, t.elapsed_ms = $elapsed
		 MERGE (a)-[:EXECUTED]->(t)`,
		map[string]any{
			"agentId":    res.WorkerID,
			"taskId":     res.TaskID,
			"workflowId": workflowID,
			"success":    res.Success,
			"error":      res.Error,
			"elapsed":    res.Elapsed.Milliseconds(),
		})
	if err != nil {
		return fmt.Errorf("record task %s: %w", res.TaskID, err)
	}
	return nil
}

// RecordWorkflow writes the workflow, its steps and their dependency edges.
// Re-recording the same workflow updates it in place.
func (r *Recorder) RecordWorkflow(ctx context.Context, wf *orchestrator.WorkflowReport) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	steps := make([]map[string]any, len(wf.Steps))
	var edges []map[string]any
	for i, s := range wf.Steps {
		success := false
		if s.Success != nil {
			success = *s.Success
		}
		steps[i] = map[string]any{
			"id":        s.ID,
			"taskType":  s.TaskType,
			"taskId":    s.TaskID,
			"completed": s.Completed,
			"success":   success,
			"order":     i,
		}
		for _, dep := range s.Dependencies {
			edges = append(edges, map[string]any{"from": s.ID, "to": dep})
		}
	}

	_, err := session.Run(ctx,
		`MERGE (w:Workflow {id: $id})
		 SET w.name = $name, w.status = $status, w.error = $error,
		     w.steps_completed = $completed, w.total_steps = $total
		 WITH w
		 UNWIND $steps AS step
		 MERGE (s:Step {workflow_id: $id, step_id: step.id})
		 SET s.task_type = step.taskType, s.completed = step.completed,
		     s.success = step.success, s.order = step.order
		 MERGE (w)-[:HAS_STEP]->(s)
		 WITH s, step WHERE step.taskId <> ''
		 MERGE (t:Task {id: step.taskId})
		 MERGE (s)-[:RAN_AS]->(t)`,
		map[string]any{
			"id":        wf.ID,
			"name":      wf.Name,
			"status":    string(wf.Status),
			"error":     wf.Error,
			"completed": wf.StepsCompleted,
			"total":     wf.TotalSteps,
			"steps":     steps,
		})
	if err != nil {
		return fmt.Errorf("record workflow %s: %w", wf.ID, err)
	}

	if len(edges) > 0 {
		_, err = session.Run(ctx,
			`UNWIND $edges AS e
			 MATCH (a:Step {workflow_id: $id, step_id: e.from})
			 MATCH (b:Step {workflow_id: $id, step_id: e.to})
			 MERGE (a)-[:DEPENDS_ON]->(b)`,
			map[string]any{"id": wf.ID, "edges": edges})
		if err != nil {
			return fmt.Errorf("record dependencies %s: %w", wf.ID, err)
		}
	}

	r.logger.Debug("lineage recorded",
		zap.String("workflow", wf.ID),
		zap.Int("steps", len(steps)),
		zap.Int("edges", len(edges)))
	return nil
}

// Upstream returns every step the given step transitively depends on.
func (r *Recorder) Upstream(ctx context.Context, workflowID, stepID string) ([]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Step {workflow_id: $id, step_id: $step})-[:DEPENDS_ON*1..]->(d:Step)
		 RETURN DISTINCT d.step_id AS step ORDER BY step`,
		map[string]any{"id": workflowID, "step": stepID})
	if err != nil {
		return nil, fmt.Errorf("query upstream: %w", err)
	}

	var out []string
	for result.Next(ctx) {
		v, _ := result.Record().Get("step")
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, result.Err()
}

// Executors returns the agent that ran each completed step, keyed by step id.
func (r *Recorder) Executors(ctx context.Context, workflowID string) (map[string]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Workflow {id: $id})-[:HAS_STEP]->(s:Step)-[:RAN_AS]->(:Task)<-[:EXECUTED]-(a:Agent)
		 RETURN s.step_id AS step, a.id AS agent`,
		map[string]any{"id": workflowID})
	if err != nil {
		return nil, fmt.Errorf("query executors: %w", err)
	}

	out := make(map[string]string)
	for result.Next(ctx) {
		rec := result.Record()
		step, _ := rec.Get("step")
		ag, _ := rec.Get("agent")
		s, ok1 := step.(string)
		a, ok2 := ag.(string)
		if ok1 && ok2 {
			out[s] = a
		}
	}
	return out, result.Err()
}
