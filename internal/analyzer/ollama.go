package analyzer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/bdougie/framecache/internal/models"
)

type chatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// OllamaDescriber describes frames with a local vision model
type OllamaDescriber struct {
	client chatClient
	model  string
	prompt string
}

// NewClient returns an Ollama API client for host and checks that the
// server is reachable.
func NewClient(ctx context.Context, host string) (*api.Client, error) {
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	client := api.NewClient(base, http.DefaultClient)
	if err := client.Heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("ollama is not reachable at %s: %w", host, err)
	}
	return client, nil
}

// NewOllamaDescriber initializes a describer for model. Unlike the agent
// describer it talks to any Ollama host.
func NewOllamaDescriber(client *api.Client, model, prompt string) *OllamaDescriber {
	return &OllamaDescriber{client: client, model: model, prompt: prompt}
}

func (d *OllamaDescriber) Describe(ctx context.Context, frame models.Frame) (string, error) {
	data := frame.Data
	if len(data) == 0 {
		var err error
		if data, err = os.ReadFile(frame.Path); err != nil {
			return "", fmt.Errorf("read frame %d: %w", frame.Number, err)
		}
	}

	stream := false
	req := &api.ChatRequest{
		Model:  d.model,
		Stream: &stream,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: d.prompt, Images: []api.ImageData{data}},
		},
	}

	var content strings.Builder
	err := d.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}

	if content.Len() == 0 {
		return "", fmt.Errorf("no response messages received from model")
	}
	return content.String(), nil
}
