package ai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

type mockFactory struct{}

func (mockFactory) Name() string        { return ProviderMock }
func (mockFactory) Description() string { return "scriptable in-process provider" }
func (mockFactory) Create(cfg core.LLMConfig, logger core.Logger) (Provider, error) {
	return &MockProvider{}, nil
}

func init() { MustRegisterProvider(mockFactory{}) }

// MockProvider is the in-process provider for tests and demo mode. The
// zero value echoes the user payload; the fields script other behavior.
type MockProvider struct {
	// Reply builds the response text. Nil echoes the user payload behind
	// a "mock: " prefix.
	Reply func(req *ProviderRequest) (string, error)
	// FailFirst makes the first n calls fail with a retryable error.
	FailFirst int
	// Delay stalls each call, for timeout tests.
	Delay time.Duration

	mu    sync.Mutex
	calls int
	last  *ProviderRequest
}

// Compile-time interface check.
var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) Name() string { return ProviderMock }

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	const op = "ai.mock"

	m.mu.Lock()
	m.calls++
	call := m.calls
	cp := *req
	m.last = &cp
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &core.Error{
				Op: op, Kind: core.KindModelTimeout, ID: req.Model,
				Err: fmt.Errorf("%w: %w", core.ErrTimeout, ctx.Err()),
			}
		case <-time.After(m.Delay):
		}
	}

	if call <= m.FailFirst {
		return nil, &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: req.Model,
			Message: "scripted failure",
			Err:     core.ErrConnectionFailed,
		}
	}

	text := "mock: " + req.User
	if m.Reply != nil {
		t, err := m.Reply(req)
		if err != nil {
			return nil, err
		}
		text = t
	}

	prompt := tokenGuess(req.System) + tokenGuess(req.User)
	completion := tokenGuess(text)
	return &ProviderResponse{
		Text:  text,
		Model: req.Model,
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// Calls reports how many times Complete ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns a copy of the most recent wire request, nil before
// the first call.
func (m *MockProvider) LastRequest() *ProviderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}

// tokenGuess approximates tokens at four characters each, so mock usage
// numbers are deterministic for callers that assert on quota charges.
func tokenGuess(s string) int {
	return (len(s) + 3) / 4
}
