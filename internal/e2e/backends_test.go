package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// backends holds connection strings for the containers a pipeline test runs
// against.
type backends struct {
	PostgresDSN string
	Neo4jURI    string
	RedisURL    string
}

// startBackends starts PostgreSQL, Neo4j and Redis containers. The test is
// skipped under -short or when a container cannot be started.
func startBackends(t *testing.T) *backends {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	b := &backends{}

	pg, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("storyloom_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })
	if b.PostgresDSN, err = pg.ConnectionString(ctx, "sslmode=disable"); err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	neo, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		t.Skipf("neo4j container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = neo.Terminate(ctx) })
	if b.Neo4jURI, err = neo.BoltUrl(ctx); err != nil {
		t.Fatalf("neo4j bolt url: %v", err)
	}

	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = rc.Terminate(ctx) })
	endpoint, err := rc.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	b.RedisURL = "redis://" + endpoint

	return b
}

const (
	fakeStory    = "Lakshmi returned to Guntur for Sankranti and found her family waiting."
	fakeAnalysis = `{"primary_emotion":"hope","intensity":0.8}`
)

// newFakeLLM serves the OpenAI-compatible endpoints the provider uses.
// Requests asking for a JSON object get fakeAnalysis, the rest fakeStory.
func newFakeLLM(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"fake-model"}]}`))
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model          string            `json:"model"`
			ResponseFormat map[string]string `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content := fakeStory
		if req.ResponseFormat["type"] == "json_object" {
			content = fakeAnalysis
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": req.Model,
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}
