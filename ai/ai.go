// Package ai is the model invocation gateway: the single choke point
// through which every component talks to a language model. A call names
// its pipeline stage and component role; the gateway resolves the
// governing prompt, meters the call through the governor, dispatches via
// the provider matching the chosen server, and journals the request and
// response under the calling stage.
//
// Components never build their own model clients. Routing through the
// gateway is what makes a model call attributable: nothing is dispatched
// without a resolved prompt unless the caller declares an explicit
// exemption, and every dispatch leaves a journal trail.
package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/aard-labs/aard/core"
)

// Exemption lets a call proceed without a resolved prompt. Exempt calls
// are journaled with the exemption named so they can be hunted down.
type Exemption string

const (
	// ExemptionLegacy marks a migrated call site that predates prompt
	// governance.
	ExemptionLegacy Exemption = "legacy"
	// ExemptionTestMock marks test and harness traffic.
	ExemptionTestMock Exemption = "test_mock"
)

func validExemption(e Exemption) bool {
	switch e {
	case "", ExemptionLegacy, ExemptionTestMock:
		return true
	}
	return false
}

func (e Exemption) allowsBarePrompt() bool {
	return e == ExemptionLegacy || e == ExemptionTestMock
}

// Params tunes one generation. Zero fields inherit the configured
// defaults, so a zero temperature means "the default", not greedy
// decoding.
type Params struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	CtxSize     int     `json:"ctx_size,omitempty"`
}

func (p Params) withDefaults(cfg core.LLMConfig) Params {
	if p.MaxTokens <= 0 {
		p.MaxTokens = cfg.MaxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = cfg.Temperature
	}
	if p.TopP == 0 {
		p.TopP = cfg.TopP
	}
	if p.CtxSize <= 0 {
		p.CtxSize = cfg.CtxSize
	}
	return p
}

// digest fingerprints the effective parameters for journal events, so a
// trail shows what was sent without replaying payloads.
func (p Params) digest() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:12]
}

// Request is one model invocation.
type Request struct {
	// Stage and ComponentRole attribute the call: they drive prompt
	// resolution and appear on every journal event it produces.
	Stage         core.Stage
	ComponentRole string

	// AgentID and TaskType narrow prompt resolution when set. TaskType
	// falls back to the runtime context's hint.
	AgentID  string
	TaskType string

	// ModelRef names the model to use. ServerRef pins the serving
	// endpoint by capability record id or URL; a pinned server is used
	// exactly as named and never substituted. Both fall back to the
	// runtime context's hints when empty.
	ModelRef  string
	ServerRef string

	// SystemPromptOverride bypasses prompt resolution entirely. The call
	// is journaled without a prompt id.
	SystemPromptOverride string

	// UserPayload is the user-turn content.
	UserPayload string

	Params    Params
	Exemption Exemption
}

// Usage counts tokens as reported by the provider. Zero values mean the
// server did not report usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed model call.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	// ServerID is set when the target came from the capability registry.
	ServerID string `json:"server_id,omitempty"`
	Usage    Usage  `json:"usage"`

	LatencyMs     int64  `json:"latency_ms"`
	PromptID      string `json:"prompt_id,omitempty"`
	PromptVersion int    `json:"prompt_version,omitempty"`

	// RequestEventID is the journal id of the model.request event, for
	// callers that chain follow-up events onto this call's trail. Empty
	// when the call ran outside a workflow.
	RequestEventID string `json:"request_event_id,omitempty"`
}

// summaryLimit bounds payload excerpts in journal events.
const summaryLimit = 500

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func validateRequest(op string, req *Request) error {
	if req == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "request is required"}
	}
	if !core.ValidStage(req.Stage) {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "stage not in canonical set"}
	}
	if req.ComponentRole == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "component_role is required"}
	}
	if req.UserPayload == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "user payload is required"}
	}
	if !validExemption(req.Exemption) {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: string(req.Exemption), Message: "unknown exemption"}
	}
	return nil
}
