package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/engine"
)

// NotFound is the reserved sentinel for variables the context does not answer.
const NotFound = "not found"

// Failure reasons recorded on a Result when extraction cannot produce an
// answer. A missing value is not a failure; these mark infrastructure
// problems the caller may want to retry.
const (
	FailExtraction  = "extraction_failed"
	FailUnavailable = "capability_unavailable"
	FailCancelled   = "cancelled"
	FailTimeout     = "timeout"
)

// VariableSpec is a user-defined extraction target. The description doubles
// as the retrieval query, so a good description improves both the context
// and the answer.
type VariableSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	PromptStyle PromptStyle `json:"prompt_style,omitempty"`
}

// Result is the outcome of extracting one variable from one document's
// retrieved context.
type Result struct {
	Value            string   `json:"value"`
	Found            bool     `json:"found"`
	Confidence       float64  `json:"confidence,omitempty"`
	SupportingChunks []string `json:"supporting_chunks,omitempty"`
	FailureReason    string   `json:"failure_reason,omitempty"`
}

// Chatter is the slice of the inference engine the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Extractor extracts variable values from retrieved context with an LLM.
type Extractor struct {
	client Chatter
	model  string
	retry  RetryPolicy
}

// NewExtractor creates an Extractor using the given chat model. A zero
// RetryPolicy falls back to DefaultRetryPolicy.
func NewExtractor(client Chatter, model string, retry RetryPolicy) *Extractor {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Extractor{client: client, model: model, retry: retry}
}

// Extract produces a value for one variable from one document's context.
// Empty context short-circuits to the not-found sentinel without touching
// the model. Transient model failures are retried per the policy; when
// retries are exhausted the failure is recorded on the Result instead of
// returned, so one bad cell can never abort a whole table.
func (e *Extractor) Extract(ctx context.Context, chunks []docstore.Chunk, spec VariableSpec) Result {
	if len(chunks) == 0 {
		return Result{Value: NotFound}
	}

	supporting := make([]string, len(chunks))
	for i, c := range chunks {
		supporting[i] = c.ID
	}

	raw, err := e.chatWithRetry(ctx, BuildPrompt(chunks, spec))
	if err != nil {
		slog.Warn("variable extraction failed", "variable", spec.Name, "error", err)
		return Result{Value: NotFound, SupportingChunks: supporting, FailureReason: ClassifyFailure(err)}
	}

	return parseResult(raw, supporting)
}

// resultSchema returns the JSON schema for structured extraction output.
func resultSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"value":      {Type: "string", Description: "The extracted value, or \"not found\" if the context does not contain it"},
			"found":      {Type: "boolean", Description: "Whether the context contains the requested information"},
			"confidence": {Type: "number", Description: "Confidence in the extracted value, between 0 and 1"},
		},
		Required: []string{"value", "found", "confidence"},
	}
}

// parseResult decodes the schema-constrained response. Models occasionally
// return prose despite the schema; the trimmed raw text is kept in that
// case rather than thrown away.
func parseResult(raw string, supporting []string) Result {
	var decoded struct {
		Value      string  `json:"value"`
		Found      bool    `json:"found"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			return Result{Value: NotFound, SupportingChunks: supporting}
		}
		return Result{Value: text, Found: true, SupportingChunks: supporting}
	}

	value := strings.TrimSpace(decoded.Value)
	if !decoded.Found || value == "" {
		return Result{Value: NotFound, Confidence: decoded.Confidence, SupportingChunks: supporting}
	}
	return Result{Value: value, Found: true, Confidence: decoded.Confidence, SupportingChunks: supporting}
}

// ClassifyFailure maps the final error after retries to a recorded failure
// reason. Cancellation and deadline take precedence over the transient class.
func ClassifyFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.Is(err, context.Canceled):
		return FailCancelled
	case engine.Retryable(err):
		return FailUnavailable
	default:
		return FailExtraction
	}
}
