package extraction

import (
	"strings"
	"testing"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/engine"
)

func TestPromptFramesContext(t *testing.T) {
	chunks := []docstore.Chunk{
		{ID: "doc-0", Text: "first chunk text"},
		{ID: "doc-1", Text: "second chunk text"},
	}
	spec := VariableSpec{Name: "SAMPLE_SIZE", Description: "number of enrolled participants"}

	messages := BuildPrompt(chunks, spec)
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}

	user := messages[1].Content
	if !strings.Contains(user, "Context information is below.") {
		t.Error("user prompt does not open the context block")
	}
	if !strings.Contains(user, "---------------------") {
		t.Error("user prompt does not fence the context block")
	}
	if !strings.Contains(user, "[1] first chunk text") {
		t.Error("first chunk is not numbered [1]")
	}
	if !strings.Contains(user, "[2] second chunk text") {
		t.Error("second chunk is not numbered [2]")
	}
	if !strings.Contains(user, "SAMPLE_SIZE") || !strings.Contains(user, "number of enrolled participants") {
		t.Error("question does not carry the variable name and description")
	}
}

func TestPromptSystemMessage(t *testing.T) {
	messages := BuildPrompt([]docstore.Chunk{{Text: "x"}}, VariableSpec{Name: "X"})

	if messages[0].Role != engine.RoleSystem {
		t.Errorf("messages[0].Role = %q, want system", messages[0].Role)
	}
	system := messages[0].Content
	if !strings.Contains(system, "extraction engine") {
		t.Error("system prompt does not contain role instruction")
	}
	if !strings.Contains(system, "ONLY a single valid JSON object") {
		t.Error("system prompt does not demand JSON-only output")
	}
}

func TestPromptStyles(t *testing.T) {
	tests := []struct {
		style PromptStyle
		want  string
	}{
		{StylePlain, "please state that clearly"},
		{StyleHighlight, "**asterisks**"},
		{StyleEvidence, "If you're unsure about a source, use [?]."},
	}

	for _, tt := range tests {
		messages := BuildPrompt([]docstore.Chunk{{Text: "x"}}, VariableSpec{Name: "X", PromptStyle: tt.style})
		user := messages[1].Content
		if !strings.Contains(user, tt.want) {
			t.Errorf("style %q: prompt missing %q", tt.style, tt.want)
		}
		if !strings.Contains(user, "[1], [2]") {
			t.Errorf("style %q: prompt missing citation examples", tt.style)
		}
	}
}

func TestParseStyle(t *testing.T) {
	tests := []struct {
		in      string
		want    PromptStyle
		wantErr bool
	}{
		{"", StylePlain, false},
		{"plain", StylePlain, false},
		{"default", StylePlain, false},
		{"Highlight", StyleHighlight, false},
		{"evidence", StyleEvidence, false},
		{"evidence-based", StyleEvidence, false},
		{"banana", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStyle(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseStyle(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStyle(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStyle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
