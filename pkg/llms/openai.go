// Package llms implements the model-side collaborators: an OpenAI-compatible
// chat client, an embeddings client, and an LLM-backed translator.
package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
)

// OpenAIConfig configures the chat client. BaseURL accepts any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAIClient implements runtime.LLMClient against a chat-completions API.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAIClient creates the chat client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Ask sends a single manually built prompt as one user message.
func (c *OpenAIClient) Ask(ctx context.Context, prompt string, opts *runtime.GenOptions) (string, error) {
	return c.complete(ctx, []chatMessage{{Role: "user", Content: prompt}}, opts)
}

// AskChat sends a native chat conversation: system, trimmed history, user.
func (c *OpenAIClient) AskChat(ctx context.Context, system, user string, history []runtime.ChatMessage, opts *runtime.GenOptions) (string, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})
	return c.complete(ctx, messages, opts)
}

func (c *OpenAIClient) complete(ctx context.Context, messages []chatMessage, opts *runtime.GenOptions) (string, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
	}
	if opts != nil {
		reqBody.MaxTokens = opts.MaxOutputTokens
		reqBody.Temperature = opts.Temperature
		reqBody.TopP = opts.TopP
		// top_k is not part of the OpenAI surface; compatible endpoints that
		// support it apply their own defaults.
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("API request failed with status %d: %s (type: %s)",
				resp.StatusCode, parsed.Error.Message, parsed.Error.Type)
		}
		return "", fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ runtime.LLMClient = (*OpenAIClient)(nil)
