package approval

import (
	"math"
	"strings"
	"time"

	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/plan"
)

// Factor names in RiskAssessment.Factors.
const (
	factorStepCount       = "step_count"
	factorHighRiskFlags   = "high_risk_flags"
	factorDependencyDepth = "dependency_depth"
	factorExternalActions = "external_actions"
)

// trustHalfLife controls recency decay: evidence a month old pulls the
// trust score halfway back toward the neutral prior.
const trustHalfLife = 30 * 24 * time.Hour

const neutralTrust = 0.5

// AssessRisk scores a plan against the configured risk weights. Each
// factor is normalized to [0,1] before weighting and the weighted sum is
// clamped, so misconfigured weights cannot push the score out of range.
func AssessRisk(cfg *core.Config, p *plan.Plan) RiskAssessment {
	factors := map[string]float64{
		factorStepCount:       0,
		factorHighRiskFlags:   0,
		factorDependencyDepth: 0,
		factorExternalActions: 0,
	}
	if p == nil || len(p.Steps) == 0 {
		return RiskAssessment{Score: 0, Level: RiskLow, Factors: factors}
	}

	n := len(p.Steps)
	if max := cfg.Plan.MaxSteps; max > 0 {
		factors[factorStepCount] = clamp01(float64(n) / float64(max))
	}

	markers := cfg.Approval.HighRiskMarkers
	flagged := 0
	external := 0
	for _, s := range p.Steps {
		if s.HighRisk || containsMarker(s.Description, markers) {
			flagged++
		}
		if s.External {
			external++
		}
	}
	// A marker in the goal itself flags the whole request once, even when
	// no individual step carries it.
	if containsMarker(p.Goal, markers) && flagged < n {
		flagged++
	}
	factors[factorHighRiskFlags] = float64(flagged) / float64(n)
	factors[factorExternalActions] = float64(external) / float64(n)

	// Depth 1 means every step is independent; depth n is a pure chain.
	if n > 1 {
		factors[factorDependencyDepth] = clamp01(float64(p.DependencyDepth()-1) / float64(n-1))
	}

	w := cfg.Approval.RiskWeights
	score := clamp01(w.StepCount*factors[factorStepCount] +
		w.HighRiskFlags*factors[factorHighRiskFlags] +
		w.DependencyDepth*factors[factorDependencyDepth] +
		w.ExternalActions*factors[factorExternalActions])

	return RiskAssessment{
		Score:   score,
		Level:   riskLevel(cfg, score),
		Factors: factors,
	}
}

func riskLevel(cfg *core.Config, score float64) string {
	switch {
	case score >= cfg.Approval.VeryHighThreshold:
		return RiskVeryHigh
	case score >= 0.5:
		return RiskHigh
	case score >= 0.25:
		return RiskMedium
	default:
		return RiskLow
	}
}

func containsMarker(text string, markers []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// planTargets returns the distinct tool and agent ids a plan dispatches
// to, in declaration order. Model and function steps have no registry
// target and contribute nothing.
func planTargets(p *plan.Plan) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Steps {
		for _, id := range []string{s.ToolID, s.AgentID} {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// decayedTrust pulls a record's trust score toward the neutral prior as
// its evidence ages past the half-life.
func decayedTrust(rec *capability.Record, now time.Time) float64 {
	score := rec.TrustScore
	if rec.Metrics.LastUsed.IsZero() {
		return score
	}
	age := now.Sub(rec.Metrics.LastUsed)
	if age <= 0 {
		return score
	}
	w := math.Exp(-float64(age) / float64(trustHalfLife) * math.Ln2)
	return neutralTrust + (score-neutralTrust)*w
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
