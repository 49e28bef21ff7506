package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// parseObject decodes a JSON object flag value.
func parseObject(s string) (map[string]any, error) {
	out := make(map[string]any)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseVars turns key=value pairs into workflow variables. Values that are
// valid JSON (numbers, arrays, objects, booleans) are decoded; anything else
// is kept as a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--var %q: expected key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			vars[k] = decoded
		} else {
			vars[k] = v
		}
	}
	return vars, nil
}

func sortAgents(agents []agentStatus) {
	slices.SortFunc(agents, func(a, b agentStatus) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
