package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"

	"github.com/bdougie/framecache/internal/models"
)

const systemPrompt = "You are a visual analysis assistant specialized in detailed image descriptions. If there is a person in the image describe what they are doing in step by step format."

// Describer produces a text description of a frame
type Describer interface {
	Describe(ctx context.Context, frame models.Frame) (string, error)
}

// AgentDescriber describes frames with a vision agent backed by a local
// Ollama server on localhost:11434.
type AgentDescriber struct {
	provider core.Provider
	logger   *logr.Logger
	prompt   string
}

// NewAgentDescriber initializes the Ollama provider for model
func NewAgentDescriber(ctx context.Context, model, prompt string, logger *slog.Logger) (*AgentDescriber, error) {
	l := logr.FromSlogHandler(logger.With("component", "agent").Handler())

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  &l,
		BaseURL: "http://localhost",
		Port:    11434,
	})
	if err := provider.UseModel(ctx, &core.Model{ID: model}); err != nil {
		return nil, fmt.Errorf("use model %s: %w", model, err)
	}

	return &AgentDescriber{provider: provider, logger: &l, prompt: prompt}, nil
}

// Describe runs a single-turn agent per frame. Agents keep their
// conversation in memory, so one is never shared between frames.
func (d *AgentDescriber) Describe(ctx context.Context, frame models.Frame) (string, error) {
	data := frame.Data
	if len(data) == 0 {
		var err error
		if data, err = os.ReadFile(frame.Path); err != nil {
			return "", fmt.Errorf("read frame %d: %w", frame.Number, err)
		}
	}

	a, err := agent.NewAgent(
		bootstrap.WithProvider(d.provider),
		bootstrap.WithLogger(d.logger),
		bootstrap.WithMaxSteps(2),
	)
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}

	// the agent does not forward its system prompt, so it leads the input
	agg, err := a.Run(ctx,
		agent.WithInput(systemPrompt+"\n\n"+d.prompt),
		agent.WithImageBase64(base64.StdEncoding.EncodeToString(data), "image/jpeg"),
	)
	if err != nil {
		return "", err
	}

	last := agg.Pop()
	if last == nil || last.Role != core.AssistantMessageRole || last.Content == "" {
		return "", fmt.Errorf("no response messages received from model")
	}
	return last.Content, nil
}
