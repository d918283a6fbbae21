package extraction

import (
	"fmt"
	"strings"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/engine"
)

// PromptStyle selects how the extraction instruction is phrased.
type PromptStyle string

const (
	// StylePlain asks for a direct answer with source citations.
	StylePlain PromptStyle = "plain"
	// StyleHighlight additionally wraps key information in **asterisks**.
	StyleHighlight PromptStyle = "highlight"
	// StyleEvidence demands a citation for every statement, [?] when unsure.
	StyleEvidence PromptStyle = "evidence"
)

// ParseStyle maps a user-facing style name to a PromptStyle. The empty
// string means plain.
func ParseStyle(s string) (PromptStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain", "default":
		return StylePlain, nil
	case "highlight", "highlighted":
		return StyleHighlight, nil
	case "evidence", "evidence-based", "justification":
		return StyleEvidence, nil
	default:
		return "", fmt.Errorf("unknown prompt style %q", s)
	}
}

const systemPrompt = `You are a research variable extraction engine. You read numbered excerpts from a scientific document and extract the single requested variable. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Use only the provided context; never invent values.
- If the context does not contain the requested information, set "found" to false and "value" to "not found".
- Keep the value concise: the number, phrase, or short sentence that answers the question.`

// BuildPrompt constructs the chat messages for extracting one variable from
// the retrieved chunks. Chunks become a numbered context block so the model
// can cite them as [1], [2] per the style instruction.
func BuildPrompt(chunks []docstore.Chunk, spec VariableSpec) []engine.Message {
	var sb strings.Builder
	sb.WriteString("Context information is below.\n")
	sb.WriteString("---------------------\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, c.Text)
	}
	sb.WriteString("---------------------\n")
	fmt.Fprintf(&sb, "Given this information, please answer the question: %s\n", question(spec))
	sb.WriteString(styleInstruction(spec.PromptStyle))

	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}

// question phrases the extraction target for the model.
func question(spec VariableSpec) string {
	if spec.Description != "" {
		return fmt.Sprintf("What is %s (%s) in this study?", spec.Name, spec.Description)
	}
	return fmt.Sprintf("What is %s in this study?", spec.Name)
}

func styleInstruction(style PromptStyle) string {
	switch style {
	case StyleHighlight:
		return "Include all relevant information from the provided context. " +
			"Highlight key information by enclosing it in **asterisks**. " +
			"When quoting specific information, please use square brackets to indicate the source, e.g. [1], [2], etc."
	case StyleEvidence:
		return "Provide an answer to the question using evidence from the context above. " +
			"Cite sources using square brackets for EVERY piece of information, e.g. [1], [2], etc. " +
			"Even if there's only one source, still include the citation. " +
			"If you're unsure about a source, use [?]. " +
			"Ensure that EVERY statement from the context is properly cited."
	default:
		return "Include all relevant information from the provided context. " +
			"If information comes from multiple sources, please mention all of them. " +
			"If the information is not available in the context, please state that clearly. " +
			"When quoting specific information, please use square brackets to indicate the source, e.g. [1], [2], etc."
	}
}
