package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Default configuration values.
const (
	DefaultURL         = "https://integrate.api.nvidia.com/v1/chat/completions"
	DefaultModel       = "nvidia/llama-3.1-nemotron-70b-instruct"
	DefaultTimeout     = 10 * time.Second
	DefaultMaxTokens   = 100
	DefaultTemperature = 0.1
)

const blessingPrompt = `You are a validator that checks if a message is a genuine New Year blessing or greeting.
Valid blessings include: wishes for prosperity, health, happiness, luck, success, family harmony, etc.
They can be in any language (English, Chinese, etc.).
Invalid: random text, insults, spam, unrelated content.
Respond with ONLY "VALID" or "INVALID" - nothing else.`

// HTTPClient classifies blessings through an OpenAI-compatible
// chat-completions endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithModel sets the model name sent with each request.
func WithModel(model string) ClientOption {
	return func(c *HTTPClient) {
		c.model = model
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// NewHTTPClient creates a blessing classifier. An empty apiKey yields a
// client that always reports Unavailable without touching the network.
func NewHTTPClient(endpoint, apiKey string, opts ...ClientOption) *HTTPClient {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	c := &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    DefaultModel,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ Classifier = (*HTTPClient)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify asks the model whether text is a genuine New Year blessing.
func (c *HTTPClient) Classify(ctx context.Context, text string) Verdict {
	if c.apiKey == "" {
		c.logger.Debug("classifier api key not configured")
		return Unavailable
	}

	reply, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: blessingPrompt},
		{Role: "user", Content: fmt.Sprintf("Is this a valid New Year blessing?\n\n%q", text)},
	})
	if err != nil {
		c.logger.Warn("classifier unavailable", zap.Error(err))
		return Unavailable
	}

	return interpret(reply)
}

// interpret maps a model reply to a verdict. INVALID is checked first
// because it contains VALID.
func interpret(reply string) Verdict {
	normalized := strings.ToUpper(strings.TrimSpace(reply))
	switch {
	case normalized == "":
		return Unavailable
	case strings.Contains(normalized, "INVALID"):
		return Invalid
	case strings.Contains(normalized, "VALID"):
		return Valid
	default:
		return Invalid
	}
}

func (c *HTTPClient) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", nil
	}
	return chat.Choices[0].Message.Content, nil
}
