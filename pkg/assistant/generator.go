package assistant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/prompt"
	"github.com/randalmurphal/queryflow/pkg/retriever"
	"github.com/randalmurphal/queryflow/pkg/tools"
)

// User-visible answers that do not come from the model.
const (
	AnswerNoDocuments      = "Sorry, I could not find relevant information in the documentation."
	AnswerNoData           = "Sorry, I could not retrieve the requested data."
	AnswerGenerationFailed = "Sorry, an error occurred while generating the answer. Please try again later."
	AnswerPipelineFailed   = "Sorry, something went wrong while processing your request. Please try again."
)

// FormatDocuments renders retrieved documents as generator context.
func FormatDocuments(docs []retriever.Document) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = fmt.Sprintf("Document: %s (%s)\n%s", d.Title, d.Filename, d.Content)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// FormatToolResults renders the successful tool results as indented JSON.
func FormatToolResults(results []tools.Result) (string, error) {
	ok := tools.Succeeded(results)
	if len(ok) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(ok, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render tool results: %w", err)
	}
	return string(data), nil
}

// generatorStep writes the answer from whichever evidence the route
// produced. Missing evidence and model failures become apologies.
func (p *Pipeline) generatorStep(ctx flowgraph.Context, s State) (State, error) {
	var system, user prompt.Template
	var evidence string

	switch s.Route {
	case RouteOperational:
		system, user = prompt.OperationalSystem, prompt.OperationalUser
		rendered, err := FormatToolResults(s.ToolResults)
		if err != nil {
			ctx.Logger().Error("tool results not renderable", slog.String("error", err.Error()))
			s.fail(StepGenerator)
		}
		if rendered == "" {
			s.Answer = AnswerNoData
			return s, nil
		}
		evidence = rendered
	default:
		system, user = prompt.DocumentationSystem, prompt.DocumentationUser
		if len(s.Documents) == 0 {
			s.Answer = AnswerNoDocuments
			return s, nil
		}
		evidence = FormatDocuments(s.Documents)
	}

	text, err := user.Render(map[string]any{"context": evidence, "query": s.Query})
	if err != nil {
		return s, err
	}

	history := s.ChatHistory
	if p.historyLimit > 0 && len(history) > p.historyLimit {
		history = history[len(history)-p.historyLimit:]
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, llm.Message{Role: llm.Role(t.Role), Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: text})

	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system.Text,
		Messages:     messages,
		Model:        p.model,
		Temperature:  llm.Temperature(p.temperature),
	})
	if err != nil {
		ctx.Logger().Error("generation failed",
			slog.String("session_id", s.SessionID),
			slog.String("route", string(s.Route)),
			slog.String("error", err.Error()),
		)
		s.fail(StepGenerator)
		s.Answer = AnswerGenerationFailed
		return s, nil
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		s.fail(StepGenerator)
		answer = AnswerGenerationFailed
	}
	s.Answer = answer
	return s, nil
}

func mergeAnswer(current, cached State) State {
	current.Answer = cached.Answer
	return current
}
