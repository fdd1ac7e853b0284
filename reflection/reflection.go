// Package reflection is the post-execution sink: after a workflow
// reaches a terminal state it categorizes the outcome from the event
// trail, the final artifact, and any human feedback, and derives
// interpretation biases for future requests. It proposes, never edits:
// its only persistent outputs are bias records and prompt metric
// updates.
package reflection

import (
	"context"
	"sort"
	"time"

	"github.com/aard-labs/aard/core"
)

// Outcome is the categorized end state of a workflow.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomePartialSuccess   Outcome = "partial_success"
	OutcomeSemanticMismatch Outcome = "semantic_mismatch"
	OutcomeExecutionFailure Outcome = "execution_failure"
	OutcomeGoalDrift        Outcome = "goal_drift"
)

// ValidOutcome reports whether o is one of the five categories.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomePartialSuccess, OutcomeSemanticMismatch,
		OutcomeExecutionFailure, OutcomeGoalDrift:
		return true
	}
	return false
}

// defaultDecayWindow is how long a bias holds full confidence when the
// record does not say. After the window, confidence fades linearly and
// reaches zero at twice the window.
const defaultDecayWindow = 7 * 24 * time.Hour

// Bias is a derived interpretation rule: when a future request matches
// Condition within Scope, the interpreter should lean toward
// PreferredInterpretation. Confidence is stored raw and decayed at read.
type Bias struct {
	BiasID                  string    `json:"bias_id"`
	Scope                   string    `json:"scope"`
	Condition               string    `json:"condition"`
	PreferredInterpretation string    `json:"preferred_interpretation"`
	Confidence              float64   `json:"confidence"`
	Source                  string    `json:"source"`
	CreatedAt               time.Time `json:"created_at"`

	// DecayAfterSeconds overrides the default full-confidence window.
	DecayAfterSeconds int64 `json:"decay_after_s,omitempty"`
}

// DecayWindow returns the bias's full-confidence window.
func (b *Bias) DecayWindow() time.Duration {
	if b.DecayAfterSeconds <= 0 {
		return defaultDecayWindow
	}
	return time.Duration(b.DecayAfterSeconds) * time.Second
}

// ExpiresAt is when the bias's confidence reaches zero.
func (b *Bias) ExpiresAt() time.Time {
	return b.CreatedAt.Add(2 * b.DecayWindow())
}

// EffectiveConfidence decays the stored confidence by age: full strength
// through the decay window, then a linear fade to zero over a second
// window.
func (b *Bias) EffectiveConfidence(now time.Time) float64 {
	w := b.DecayWindow()
	age := now.Sub(b.CreatedAt)
	switch {
	case age <= w:
		return b.Confidence
	case age >= 2*w:
		return 0
	default:
		return b.Confidence * (1 - float64(age-w)/float64(w))
	}
}

// Store persists interpretation biases.
type Store interface {
	// SaveBias upserts a bias record.
	SaveBias(ctx context.Context, b *Bias) error

	// ActiveBiases returns a scope's unexpired biases with Confidence
	// decayed to its read-time value, strongest first.
	ActiveBiases(ctx context.Context, scope string) ([]*Bias, error)
}

func validateBias(op string, b *Bias) error {
	if b == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "bias is required"}
	}
	if b.BiasID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "bias_id is required"}
	}
	if b.Scope == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: b.BiasID, Message: "scope is required"}
	}
	if b.Condition == "" || b.PreferredInterpretation == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: b.BiasID,
			Message: "condition and preferred_interpretation are required"}
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: b.BiasID, Message: "confidence must be in [0,1]"}
	}
	return nil
}

// decayed returns read-time copies of biases that still carry weight,
// strongest first. Shared by both stores so redis and memory agree on
// what "active" means.
func decayed(biases []*Bias, now time.Time) []*Bias {
	out := make([]*Bias, 0, len(biases))
	for _, b := range biases {
		eff := b.EffectiveConfidence(now)
		if eff <= 0 {
			continue
		}
		cp := *b
		cp.Confidence = eff
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
