package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// ProviderOllama is the provider name for a local or remote Ollama server.
const ProviderOllama = "ollama"

// Ollama calls the Ollama chat API.
type Ollama struct {
	client *api.Client
}

// NewOllama creates an Ollama provider for the server at baseURL.
func NewOllama(baseURL string, httpClient *http.Client) (*Ollama, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("llm: invalid ollama url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{client: api.NewClient(u, httpClient)}, nil
}

// Name implements Provider.
func (o *Ollama) Name() string { return ProviderOllama }

// Complete implements Provider.
func (o *Ollama) Complete(ctx context.Context, req Request) (Response, error) {
	stream := false
	chat := &api.ChatRequest{
		Model:   req.Config.Model,
		Stream:  &stream,
		Options: map[string]any{},
	}
	if req.System != "" {
		chat.Messages = append(chat.Messages, api.Message{Role: "system", Content: req.System})
	}
	chat.Messages = append(chat.Messages, api.Message{Role: "user", Content: req.Prompt})
	if req.JSON {
		chat.Format = json.RawMessage(`"json"`)
	}
	if req.Config.Temperature != nil {
		chat.Options["temperature"] = *req.Config.Temperature
	}
	if req.Config.MaxOutputTokens > 0 {
		chat.Options["num_predict"] = req.Config.MaxOutputTokens
	}

	var (
		out  strings.Builder
		resp Response
	)
	err := o.client.Chat(ctx, chat, func(r api.ChatResponse) error {
		out.WriteString(r.Message.Content)
		if r.Done {
			resp.Model = r.Model
			resp.Usage = Usage{InputTokens: r.PromptEvalCount, OutputTokens: r.EvalCount}
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat: %w", err)
	}
	resp.Text = out.String()
	if resp.Text == "" {
		return Response{}, errors.New("ollama chat: empty response")
	}
	return resp, nil
}
