package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/storyloom/internal/workflowdef"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type taskRequest struct {
	TaskType string         `json:"task_type"`
	Input    map[string]any `json:"input"`
	Timeout  string         `json:"timeout,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

type workflowAccepted struct {
	WorkflowID     string   `json:"workflow_id"`
	Name           string   `json:"name"`
	ExecutionOrder []string `json:"execution_order"`
}

type stepReport struct {
	ID        string `json:"step_id"`
	TaskType  string `json:"task_type"`
	Completed bool   `json:"completed"`
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
}

type workflowReport struct {
	ID             string         `json:"workflow_id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	StepsCompleted int            `json:"steps_completed"`
	TotalSteps     int            `json:"total_steps"`
	Results        map[string]any `json:"results"`
	Steps          []stepReport   `json:"steps"`
	Error          string         `json:"error"`
}

func (r *workflowReport) finished() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

type agentStatus struct {
	ID             string   `json:"agent_id"`
	Type           string   `json:"agent_type"`
	Status         string   `json:"status"`
	Capabilities   []string `json:"capabilities"`
	TasksProcessed int      `json:"tasks_processed"`
	Unresponsive   bool     `json:"unresponsive"`
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) SubmitTask(ctx context.Context, req taskRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.post(ctx, "/api/tasks", req, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// WaitTask polls until the task has a result.
func (c *client) WaitTask(ctx context.Context, id string, every time.Duration) (map[string]any, error) {
	for {
		var res map[string]any
		err := c.get(ctx, "/api/tasks/"+id, &res)
		if err == nil {
			return res, nil
		}
		if apiErr, ok := err.(*apiError); !ok || apiErr.Status != http.StatusNotFound {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(every):
		}
	}
}

// SubmitWorkflowFile parses a local definition and submits it inline.
func (c *client) SubmitWorkflowFile(ctx context.Context, path string, vars map[string]any) (*workflowAccepted, error) {
	def, err := workflowdef.Load(path)
	if err != nil {
		return nil, err
	}
	body := struct {
		*workflowdef.Definition
		Inputs map[string]any `json:"inputs,omitempty"`
	}{def, vars}
	var out workflowAccepted
	if err := c.post(ctx, "/api/workflows", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) RunTemplate(ctx context.Context, name string, vars map[string]any) (*workflowAccepted, error) {
	var out workflowAccepted
	body := map[string]any{"variables": vars}
	if err := c.post(ctx, "/api/workflows/templates/"+url.PathEscape(name), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitWorkflow polls until the workflow reaches a terminal status.
func (c *client) WaitWorkflow(ctx context.Context, id string, every time.Duration) (*workflowReport, error) {
	for {
		var rep workflowReport
		if err := c.get(ctx, "/api/workflows/"+id, &rep); err != nil {
			return nil, err
		}
		if rep.finished() {
			return &rep, nil
		}
		fmt.Printf("  ... %s %d/%d\n", rep.Status, rep.StepsCompleted, rep.TotalSteps)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(every):
		}
	}
}

func (c *client) ListWorkflows(ctx context.Context, status string, archived bool) ([]workflowReport, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if archived {
		q.Set("archived", strconv.FormatBool(true))
	}
	path := "/api/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []workflowReport
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Agents returns every agent sorted by id.
func (c *client) Agents(ctx context.Context) ([]agentStatus, error) {
	var byID map[string]agentStatus
	if err := c.get(ctx, "/api/agents", &byID); err != nil {
		return nil, err
	}
	out := make([]agentStatus, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sortAgents(out)
	return out, nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWorkflow(r *workflowReport) {
	fmt.Printf("Workflow %s (%s): %s, %d/%d steps\n", r.ID, r.Name, r.Status, r.StepsCompleted, r.TotalSteps)
	for _, s := range r.Steps {
		icon := "\033[33m…\033[0m"
		switch {
		case s.Success != nil && *s.Success:
			icon = "\033[32m✓\033[0m"
		case s.Success != nil:
			icon = "\033[31m✗\033[0m"
		}
		fmt.Printf("  %s %s (%s)", icon, s.ID, s.TaskType)
		if s.Error != "" {
			fmt.Printf(" \033[31m%s\033[0m", s.Error)
		}
		fmt.Println()
	}
	if r.Error != "" {
		printError("%s", r.Error)
	}
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31mError: "+format+"\033[0m\n", args...)
}
