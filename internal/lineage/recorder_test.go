package lineage

import (
	"context"
	"testing"

	"github.com/nidhogg/storyloom/internal/agent"
	"github.com/nidhogg/storyloom/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap/zaptest"
)

func startRecorder(t *testing.T) *Recorder {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		t.Skipf("neo4j container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	r, err := NewRecorder(ctx, uri, "", "", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(ctx) })
	return r
}

func TestRecordWorkflowLineage(t *testing.T) {
	r := startRecorder(t)
	ctx := context.Background()

	ok := true
	report := &orchestrator.WorkflowReport{
		ID:             "wf-1",
		Name:           "complete_story",
		Status:         orchestrator.WorkflowCompleted,
		StepsCompleted: 3,
		TotalSteps:     3,
		Steps: []orchestrator.StepReport{
			{ID: "generate_story", TaskType: "generate_story", TaskID: "t-1", Completed: true, Success: &ok},
			{ID: "analyze_emotions", TaskType: "analyze_emotions", TaskID: "t-2", Completed: true, Success: &ok,
				Dependencies: []string{"generate_story"}},
			{ID: "enhance_story", TaskType: "enhance_plot", TaskID: "t-3", Completed: true, Success: &ok,
				Dependencies: []string{"generate_story", "analyze_emotions"}},
		},
	}

	// Task events normally arrive before the workflow finishes.
	require.NoError(t, r.Handle(ctx, &orchestrator.Event{
		Type: orchestrator.EventTaskCompleted, WorkflowID: "wf-1",
		Result: &agent.Result{TaskID: "t-1", WorkerID: "story_generator-1", Success: true},
	}))
	require.NoError(t, r.Handle(ctx, &orchestrator.Event{
		Type: orchestrator.EventTaskCompleted, WorkflowID: "wf-1",
		Result: &agent.Result{TaskID: "t-2", WorkerID: "emotion_analyzer-1", Success: true},
	}))
	require.NoError(t, r.Handle(ctx, &orchestrator.Event{Type: orchestrator.EventWorkflowFinished, Workflow: report}))
	// Recording twice is idempotent.
	require.NoError(t, r.RecordWorkflow(ctx, report))
	// A late task event still links up.
	require.NoError(t, r.RecordTask(ctx, "wf-1", &agent.Result{TaskID: "t-3", WorkerID: "story_generator-2", Success: true}))

	up, err := r.Upstream(ctx, "wf-1", "enhance_story")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze_emotions", "generate_story"}, up)

	up, err = r.Upstream(ctx, "wf-1", "generate_story")
	require.NoError(t, err)
	assert.Empty(t, up)

	execs, err := r.Executors(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"generate_story":   "story_generator-1",
		"analyze_emotions": "emotion_analyzer-1",
		"enhance_story":    "story_generator-2",
	}, execs)
}
