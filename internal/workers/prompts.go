package workers

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// prompt describes how one capability turns task input into a chat request.
type prompt struct {
	// keys are tried in order; the first non-empty one is the primary text.
	keys     []string
	missing  string
	system   string
	user     string
	analysis bool
}

const (
	storySystem    = "You are an accomplished Telugu storyteller. Write vivid, culturally grounded prose with believable family relationships and emotional depth."
	emotionSystem  = "You are an expert in narrative psychology. Answer with a single JSON object and nothing else."
	culturalSystem = "You are a scholar of Telugu culture, family traditions and regional customs. Answer with a single JSON object and nothing else."
)

var prompts = map[string]prompt{
	"generate_story": {
		keys:    []string{"prompt"},
		missing: "No prompt provided for story generation",
		system:  storySystem,
		user: `Write a {{default "drama" .genre}} story set in a {{default "modern" .setting}} setting ` +
			`about {{default "family" .theme}}.
{{- with .characters}}
Characters: {{text .}}{{end}}

{{text .prompt}}`,
	},
	"develop_characters": {
		keys:    []string{"characters", "context"},
		missing: "No characters provided for character development",
		system:  storySystem,
		user: `Develop the following characters in depth: background, motivation, relationships and voice.
Characters: {{text .characters}}
{{- with .context}}

Story so far:
{{text .}}{{end}}`,
	},
	"enhance_plot": {
		keys:    []string{"plot", "text", "story"},
		missing: "No plot provided for plot enhancement",
		system:  storySystem,
		user: `Rewrite the story below, strengthening its plot ({{default "general" .enhancement_type}} enhancement).
{{- with .emotion_analysis}}
Emotion analysis to take into account: {{text .}}{{end}}
{{- with .cultural_analysis}}
Cultural notes to take into account: {{text .}}{{end}}

{{text .plot}}{{text .text}}{{text .story}}`,
	},
	"generate_dialogue": {
		keys:    []string{"scene", "text"},
		missing: "No scene provided for dialogue generation",
		system:  storySystem,
		user: `Write natural dialogue for this scene with a {{default "neutral" .emotion}} emotional tone.
{{- with .characters}}
Characters: {{text .}}{{end}}

Scene: {{text .scene}}{{text .text}}`,
	},

	"analyze_emotions": {
		keys:     []string{"text"},
		missing:  "No text provided for emotion analysis",
		system:   emotionSystem,
		analysis: true,
		user: `Identify the emotions in this text. Respond with ` +
			`{"emotions":[{"emotion":"...","intensity":0.0}],"dominant_emotion":"...","sentiment":"positive|negative|neutral"}.
{{- with .context}}
Context: {{text .}}{{end}}

{{text .text}}`,
	},
	"analyze_sentiment": {
		keys:     []string{"text"},
		missing:  "No text provided for sentiment analysis",
		system:   emotionSystem,
		analysis: true,
		user: `Classify the sentiment of this text. Respond with {"sentiment":"positive|negative|neutral","score":0.0}.

{{text .text}}`,
	},
	"emotional_arc_analysis": {
		keys:     []string{"story", "text"},
		missing:  "No story text provided",
		system:   emotionSystem,
		analysis: true,
		user: `Trace the emotional arc of this story from beginning to end. Respond with ` +
			`{"arc_type":"rise|fall|rise_fall|fall_rise|rise_fall_rise","emotional_arc":["..."],"turning_points":["..."]}.

{{text .story}}{{text .text}}`,
	},
	"cultural_emotion_mapping": {
		keys:     []string{"emotions", "text"},
		missing:  "No emotions provided for cultural mapping",
		system:   emotionSystem,
		analysis: true,
		user: `Map these emotions to how they are expressed in a {{default "general" .context}} Telugu cultural context. ` +
			`Respond with {"mappings":[{"emotion":"...","expression":"..."}]}.

{{text .emotions}}{{text .text}}`,
	},
	"character_emotion_profiling": {
		keys:     []string{"character_dialogues", "text"},
		missing:  "No character dialogues provided",
		system:   emotionSystem,
		analysis: true,
		user: `Build an emotional profile for each character from their lines. ` +
			`Respond with {"profiles":{"<name>":{"dominant_emotion":"...","range":["..."]}}}.

{{text .character_dialogues}}{{text .text}}`,
	},

	"cultural_validation": {
		keys:     []string{"text"},
		missing:  "No text provided for cultural validation",
		system:   culturalSystem,
		analysis: true,
		user: `Check this story for cultural authenticity in a {{default "general" .context}} context. ` +
			`Respond with {"authenticity_score":0.0,"issues":["..."],"suggestions":["..."]}.

{{text .text}}`,
	},
	"family_dynamics_analysis": {
		keys:     []string{"text"},
		missing:  "No text provided for family dynamics analysis",
		system:   culturalSystem,
		analysis: true,
		user: `Analyze the family relationships and hierarchy in this story. ` +
			`Respond with {"relationships":[{"between":["...","..."],"nature":"..."}],"observations":["..."]}.

{{text .text}}`,
	},
	"festival_integration": {
		keys:     []string{"text"},
		missing:  "No text provided for festival integration",
		system:   culturalSystem,
		analysis: true,
		user: `Suggest how {{default "a regional festival" .festival}} could be woven into this story. ` +
			`Respond with {"festival":"...","scenes":["..."],"customs":["..."]}.

{{text .text}}`,
	},
	"regional_adaptation": {
		keys:     []string{"text"},
		missing:  "No text provided for regional adaptation",
		system:   culturalSystem,
		analysis: true,
		user: `Adapt this story to the {{default "Andhra Pradesh" .region}} region: dialect, food, places and customs. ` +
			`Respond with {"region":"...","changes":["..."]}.

{{text .text}}`,
	},
}

var funcs = template.FuncMap{
	"text": textOf,
	"default": func(def string, v any) string {
		if s := textOf(v); s != "" {
			return s
		}
		return def
	},
}

// compile parses the user template of every capability in caps.
func compile(caps []string) (map[string]*template.Template, error) {
	out := make(map[string]*template.Template, len(caps))
	for _, c := range caps {
		p, ok := prompts[c]
		if !ok {
			return nil, fmt.Errorf("no prompt for capability %q", c)
		}
		t, err := template.New(c).Funcs(funcs).Option("missingkey=zero").Parse(p.user)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", c, err)
		}
		out[c] = t
	}
	return out, nil
}

// textOf flattens a task input value into prompt text. Step results from
// other workers carry their prose under "text".
func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := textOf(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// extractJSON pulls the outermost JSON object out of a model reply.
func extractJSON(reply string) (map[string]any, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}
