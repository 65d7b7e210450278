// Package llm provides the provider HTTP client handed to abilities.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Credentials resolves an agent credential reference to an API key.
type Credentials interface {
	Resolve(ref string) (string, error)
}

const (
	defaultTimeout   = 2 * time.Minute
	defaultMaxTokens = 1024

	anthropicBaseURL = "https://api.anthropic.com"
	openaiBaseURL    = "https://api.openai.com"
	anthropicVersion = "2023-06-01"
)

// Client is one agent's handle to its configured LLM provider. Calls go
// through a circuit breaker so a failing provider sheds load quickly
// instead of tying up actors in timeouts.
type Client struct {
	provider string
	model    string
	endpoint string
	apiKey   string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*Response]
}

// Options tune a single query.
type Options struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature *float64
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Response is a provider-neutral completion result.
type Response struct {
	Model        string
	Content      []ContentBlock
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// InferProvider guesses the provider from a model name prefix.
// Returns "" when the prefix is unknown.
func InferProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	default:
		return ""
	}
}

// NewClient builds a client from an agent's llm_config map. Recognized
// keys: provider, model, endpoint, credential_ref.
func NewClient(cfg map[string]string, creds Credentials) (*Client, error) {
	model := cfg["model"]
	provider := cfg["provider"]
	if provider == "" {
		provider = InferProvider(model)
	}
	if provider == "" {
		provider = "anthropic"
	}

	endpoint := cfg["endpoint"]
	if endpoint == "" {
		switch provider {
		case "openai":
			endpoint = openaiBaseURL
		default:
			endpoint = anthropicBaseURL
		}
	}

	apiKey, err := creds.Resolve(cfg["credential_ref"])
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	c := &Client{
		provider: provider,
		model:    model,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    provider,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c, nil
}

func (c *Client) Provider() string { return c.provider }
func (c *Client) Model() string    { return c.model }

// Query sends a single-turn prompt and returns the completion.
func (c *Client) Query(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return c.breaker.Execute(func() (*Response, error) {
		switch c.provider {
		case "openai":
			return c.queryOpenAI(ctx, prompt, opts)
		default:
			return c.queryAnthropic(ctx, prompt, opts)
		}
	})
}

// ExtractText concatenates the text blocks of a response.
func ExtractText(resp *Response) (string, error) {
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("response contains no text content")
	}
	return strings.Join(parts, "\n"), nil
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) queryAnthropic(ctx context.Context, prompt string, opts Options) (*Response, error) {
	req := anthropicRequest{
		Model:       c.resolveModel(opts),
		Messages:    []anthropicMsg{{Role: "user", Content: prompt}},
		System:      opts.System,
		MaxTokens:   resolveMaxTokens(opts),
		Temperature: opts.Temperature,
	}

	body, err := c.post(ctx, c.endpoint+"/v1/messages", req, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, err
	}

	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	return &Response{
		Model:        ar.Model,
		Content:      ar.Content,
		StopReason:   ar.StopReason,
		InputTokens:  ar.Usage.InputTokens,
		OutputTokens: ar.Usage.OutputTokens,
	}, nil
}

type openaiRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) queryOpenAI(ctx context.Context, prompt string, opts Options) (*Response, error) {
	messages := []anthropicMsg{}
	if opts.System != "" {
		messages = append(messages, anthropicMsg{Role: "system", Content: opts.System})
	}
	messages = append(messages, anthropicMsg{Role: "user", Content: prompt})

	req := openaiRequest{
		Model:       c.resolveModel(opts),
		Messages:    messages,
		MaxTokens:   resolveMaxTokens(opts),
		Temperature: opts.Temperature,
	}

	body, err := c.post(ctx, c.endpoint+"/v1/chat/completions", req, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	})
	if err != nil {
		return nil, err
	}

	var or openaiResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(or.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	return &Response{
		Model:        or.Model,
		Content:      []ContentBlock{{Type: "text", Text: or.Choices[0].Message.Content}},
		StopReason:   or.Choices[0].FinishReason,
		InputTokens:  or.Usage.PromptTokens,
		OutputTokens: or.Usage.CompletionTokens,
	}, nil
}

func (c *Client) post(ctx context.Context, url string, payload any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", c.provider, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func (c *Client) resolveModel(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.model
}

func resolveMaxTokens(opts Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return defaultMaxTokens
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
