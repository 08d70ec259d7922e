package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/contextflow/internal/config"
	"github.com/phrazzld/contextflow/internal/domain"
	"google.golang.org/genai"
)

// models is the subset of the genai models service the executor uses.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

// Executor runs generative contexts against a Gemini model.
type Executor struct {
	models models
	model  string
	logger *slog.Logger
}

// NewExecutor creates an executor from LLM configuration.
func NewExecutor(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Executor, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, domain.Validationf("gemini API key cannot be empty")
	}
	if cfg.ModelName == "" {
		return nil, domain.Validationf("gemini model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newExecutor(client.Models, cfg.ModelName, logger), nil
}

func newExecutor(m models, model string, logger *slog.Logger) *Executor {
	return &Executor{
		models: m,
		model:  model,
		logger: logger.With("component", "gemini_executor", "model", model),
	}
}

// Execute renders the prompt for a context and returns the model's JSON
// output.
func (e *Executor) Execute(ctx context.Context, tmpl domain.Template, req domain.Request) (json.RawMessage, error) {
	prompt, err := renderPrompt(tmpl, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.models.GenerateContent(ctx, e.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "gemini call failed",
			"template", tmpl.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, classify(err)
	}

	out, err := extractOutput(resp)
	if err != nil {
		e.logger.WarnContext(ctx, "unusable gemini response", "template", tmpl.Name, "error", err)
		return nil, classify(err)
	}

	e.logger.DebugContext(ctx, "gemini call succeeded",
		"template", tmpl.Name,
		"prompt_length", len(prompt),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Ping checks that the configured model is reachable.
func (e *Executor) Ping(ctx context.Context) error {
	if _, err := e.models.Get(ctx, e.model, nil); err != nil {
		return fmt.Errorf("%w: gemini model %s: %v", domain.ErrCapabilityUnavailable, e.model, err)
	}
	return nil
}

func extractOutput(resp *genai.GenerateContentResponse) (json.RawMessage, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, invalidResponse("no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, ErrContentBlocked
	}
	if candidate.Content == nil {
		return nil, invalidResponse("empty content")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}
	raw := strings.TrimSpace(text.String())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "```"), "```")
	raw = strings.TrimSpace(raw)

	if !json.Valid([]byte(raw)) {
		return nil, invalidResponse("output is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
