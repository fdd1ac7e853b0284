package ai

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aard-labs/aard/core"
)

// Provider names known to the built-in factories.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderMock    = "mock"
)

// Provider speaks one wire protocol to a model server. Implementations
// map transport failures onto the error taxonomy so the gateway can tell
// what is worth retrying: model_unavailable and timeout errors retry,
// invalid_request errors do not.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
}

// ProviderRequest is the wire-level call, after prompt resolution and
// parameter defaulting have happened.
type ProviderRequest struct {
	// Endpoint is the normalized server base URL. Empty means the
	// provider's own default.
	Endpoint string
	Model    string
	System   string
	User     string

	MaxTokens   int
	Temperature float32
	TopP        float32
	// CtxSize is advisory; providers whose protocol carries no context
	// window parameter ignore it.
	CtxSize int
}

// ProviderResponse is what came back over the wire.
type ProviderResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Factory builds a provider from the LLM config. Factories register
// themselves by name; the gateway instantiates one lazily the first time
// a call routes to its provider.
type Factory interface {
	Name() string
	Description() string
	Create(cfg core.LLMConfig, logger core.Logger) (Provider, error)
}

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterProvider adds a factory to the registry. Registering the same
// name twice is an error.
func RegisterProvider(f Factory) error {
	if f == nil || f.Name() == "" {
		return fmt.Errorf("provider factory requires a name")
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[f.Name()]; exists {
		return fmt.Errorf("provider %q already registered", f.Name())
	}
	factories[f.Name()] = f
	return nil
}

// MustRegisterProvider registers a factory and panics on conflict. The
// built-in providers use it from init, where a conflict is a programming
// error.
func MustRegisterProvider(f Factory) {
	if err := RegisterProvider(f); err != nil {
		panic(err)
	}
}

func providerFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeEndpoint canonicalizes a server URL so that equivalent
// spellings compare equal: scheme and host lowercased, default ports
// dropped, trailing slash removed, the API path prefix kept. A bare
// host:port gains an http scheme.
func NormalizeEndpoint(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(s), "/")
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	path := strings.TrimRight(u.Path, "/")
	return scheme + "://" + host + path
}
