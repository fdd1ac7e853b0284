package core

// Stage names a position in the canonical pipeline. Every journal event
// carries one; the set is closed.
type Stage string

const (
	StageInterpretation Stage = "interpretation"
	StageValidatorA     Stage = "validator_a"
	StageRouting        Stage = "routing"
	StagePlanning       Stage = "planning"
	StageValidatorB     Stage = "validator_b"
	StageExecution      Stage = "execution"
	StageReflection     Stage = "reflection"
)

// Stages is the canonical order for a normal successful request.
var Stages = []Stage{
	StageInterpretation,
	StageValidatorA,
	StageRouting,
	StagePlanning,
	StageValidatorB,
	StageExecution,
	StageReflection,
}

// ValidStage reports whether s is in the canonical set.
func ValidStage(s Stage) bool {
	switch s {
	case StageInterpretation, StageValidatorA, StageRouting,
		StagePlanning, StageValidatorB, StageExecution, StageReflection:
		return true
	}
	return false
}

// DecisionSource records what made a decision: a prompt-driven model call,
// a deterministic rule, a human, or an automatic policy.
type DecisionSource string

const (
	SourcePrompt DecisionSource = "prompt"
	SourceRule   DecisionSource = "rule"
	SourceHuman  DecisionSource = "human"
	SourceAuto   DecisionSource = "auto"
)
