// Package llm composes user-facing text through a chat-completions model.
// It never takes part in governance decisions.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single completion request.
const DefaultTimeout = 20 * time.Second

// ErrEmptyCompletion is returned when the model produced no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Generator produces text for a prompt.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Config selects the endpoint and model.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
	MaxTokens int           `yaml:"max_tokens,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// Client talks to any server implementing the OpenAI chat completions wire
// format (OpenAI, Ollama, vLLM, llama.cpp).
type Client struct {
	http      *http.Client
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
}

// NewClient creates a client for cfg. apiKey may be empty for local servers.
func NewClient(cfg Config, apiKey string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/") + "/v1/chat/completions",
		model:     cfg.Model,
		apiKey:    apiKey,
		maxTokens: maxTokens,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You summarize what an automated governance pipeline did with a chat message. Be brief and factual. Do not invent actions."

// GenerateText implements Generator.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decoding response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// readError formats {"error":{"type":..,"message":..}} bodies, falling back
// to the raw text.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return fmt.Errorf("llm: HTTP %d: %s: %s", resp.StatusCode, wire.Error.Type, wire.Error.Message)
	}
	return fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

// GenerateText implements Generator.
func (f Func) GenerateText(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
