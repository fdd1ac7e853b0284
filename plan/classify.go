package plan

import (
	"strings"

	"github.com/aard-labs/aard/core"
)

// Classification is the executor's read on a step failure: which
// taxonomy kind it reduces to and how the pipeline should react.
type Classification struct {
	Kind     core.Kind     `json:"kind"`
	Category core.Category `json:"category"`
	Severity core.Severity `json:"severity"`
}

// ShouldReplan reports whether the failure warrants tearing the plan
// down and planning again. Critical always replans; otherwise the
// severity must reach the configured threshold.
func (c Classification) ShouldReplan(threshold core.Severity) bool {
	if c.Severity == core.SeverityCritical {
		return true
	}
	return c.Severity.Rank() >= threshold.Rank()
}

// fingerprint refines errors that reach the classifier untyped: raw
// transport, sandbox, and context failures that nothing upstream wrapped
// with a kind. Typed errors are classified by kind and never reach this
// table, so a precise kind like approval_timeout is not steamrolled by a
// loose substring.
type fingerprint struct {
	match    string
	kind     core.Kind
	category core.Category
	severity core.Severity
}

// fingerprints is ordered: first match wins.
var fingerprints = []fingerprint{
	{"context canceled", core.KindCancelled, core.CategoryLogic, core.SeverityLow},
	{"operation cancelled", core.KindCancelled, core.CategoryLogic, core.SeverityLow},
	{"context deadline exceeded", core.KindDependencyNotReady, core.CategoryTimeout, core.SeverityHigh},
	{"timed out", core.KindDependencyNotReady, core.CategoryTimeout, core.SeverityHigh},
	{"i/o timeout", core.KindDependencyNotReady, core.CategoryTimeout, core.SeverityHigh},
	{"connection refused", core.KindDependencyNotReady, core.CategoryEnvironment, core.SeverityHigh},
	{"connection reset", core.KindDependencyNotReady, core.CategoryEnvironment, core.SeverityHigh},
	{"no such host", core.KindDependencyNotReady, core.CategoryEnvironment, core.SeverityHigh},
	{"broken pipe", core.KindDependencyNotReady, core.CategoryEnvironment, core.SeverityHigh},
	{"permission denied", core.KindToolDenied, core.CategoryDependency, core.SeverityMedium},
	{"unauthorized", core.KindToolDenied, core.CategoryDependency, core.SeverityMedium},
	{"forbidden", core.KindToolDenied, core.CategoryDependency, core.SeverityMedium},
	{"out of memory", core.KindQuotaExceeded, core.CategoryResource, core.SeverityCritical},
	{"resource exhausted", core.KindQuotaExceeded, core.CategoryResource, core.SeverityHigh},
	{"schema validation", core.KindValidationFailed, core.CategoryValidation, core.SeverityMedium},
}

// Classify maps a step failure onto (kind, category, severity). Errors
// carrying a taxonomy kind use the kind's defaults; untyped errors fall
// through the fingerprint table; anything left is unknown and treated as
// high severity so silent failure modes stay loud.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if kind := core.KindOf(err); kind != core.KindInternal && kind != "" {
		cat, sev := core.Classify(kind)
		return Classification{Kind: kind, Category: cat, Severity: sev}
	}

	msg := strings.ToLower(err.Error())
	for _, f := range fingerprints {
		if strings.Contains(msg, f.match) {
			return Classification{Kind: f.kind, Category: f.category, Severity: f.severity}
		}
	}

	cat, sev := core.Classify(core.KindInternal)
	return Classification{Kind: core.KindInternal, Category: cat, Severity: sev}
}
