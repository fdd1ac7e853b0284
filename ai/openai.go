package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aard-labs/aard/core"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openaiFactory struct{}

func (openaiFactory) Name() string { return ProviderOpenAI }
func (openaiFactory) Description() string {
	return "OpenAI-compatible chat completions over HTTP"
}
func (openaiFactory) Create(cfg core.LLMConfig, logger core.Logger) (Provider, error) {
	return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Timeout(), logger), nil
}

func init() { MustRegisterProvider(openaiFactory{}) }

// OpenAIProvider speaks the chat completions protocol. The same wire
// format serves api.openai.com and local inference servers (Ollama, vLLM,
// LM Studio) that expose a /chat/completions route, which is why this is
// the default provider.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  core.Logger
}

// Compile-time interface check.
var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the provider. baseURL empty means the public
// OpenAI API; local servers pass their own. The api key may be empty for
// servers that do not authenticate.
func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration, logger core.Logger) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/ai")
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: NormalizeEndpoint(baseURL),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// apiError is the error envelope chat completions servers return.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	const op = "ai.openai"

	base := req.Endpoint
	if base == "" {
		base = p.baseURL
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindInternal, ID: req.Model, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindInternal, ID: req.Model, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(op, req.Model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: req.Model,
			Message: "response read failed",
			Err:     fmt.Errorf("%w: %w", core.ErrConnectionFailed, err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, req.Model, resp.StatusCode, raw)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: req.Model,
			Message: "response is not valid JSON",
			Err:     err,
		}
	}
	if len(out.Choices) == 0 {
		return nil, &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: req.Model,
			Message: "response carried no choices",
		}
	}

	model := out.Model
	if model == "" {
		model = req.Model
	}
	return &ProviderResponse{
		Text:  out.Choices[0].Message.Content,
		Model: model,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}

// transportError classifies a failure to reach the server at all.
func (p *OpenAIProvider) transportError(op, model string, err error) error {
	var ue *url.Error
	timedOut := errors.As(err, &ue) && ue.Timeout()
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Op: op, Kind: core.KindModelTimeout, ID: model,
			Message: "request timed out",
			Err:     fmt.Errorf("%w: %w", core.ErrTimeout, err),
		}
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{Op: op, Kind: core.KindCancelled, ID: model, Err: err}
	}
	return &core.Error{
		Op: op, Kind: core.KindModelUnavailable, ID: model,
		Message: "transport failure",
		Err:     fmt.Errorf("%w: %w", core.ErrConnectionFailed, err),
	}
}

// statusError maps a non-200 onto the taxonomy. Rate limiting and server
// errors are transient and retryable; the rest of the 4xx range means the
// request itself is wrong and a retry would only repeat it.
func statusError(op, model string, status int, body []byte) error {
	msg := apiErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: model,
			Message: fmt.Sprintf("rate limited (429): %s", msg),
			Err:     core.ErrRequestFailed,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &core.Error{
			Op: op, Kind: core.KindInvalidRequest, ID: model,
			Message: fmt.Sprintf("authentication rejected (%d): %s", status, msg),
		}
	case status >= 500:
		return &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: model,
			Message: fmt.Sprintf("server error (%d): %s", status, msg),
			Err:     core.ErrRequestFailed,
		}
	case status >= 400:
		return &core.Error{
			Op: op, Kind: core.KindInvalidRequest, ID: model,
			Message: fmt.Sprintf("request rejected (%d): %s", status, msg),
		}
	default:
		return &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: model,
			Message: fmt.Sprintf("unexpected status %d: %s", status, msg),
			Err:     core.ErrRequestFailed,
		}
	}
}

func apiErrorMessage(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		return ae.Error.Message
	}
	return truncate(string(body), 200)
}
