package prompts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/core"
)

func newResolverEnv(t *testing.T) (Registry, *Resolver) {
	t.Helper()
	fallback, err := LoadFallback()
	require.NoError(t, err)
	reg := NewMemoryRegistry()
	return reg, NewResolver(reg, fallback, nil)
}

// activePrompt creates and activates a prompt, returning its id.
func activePrompt(t *testing.T, reg Registry, name string, stage core.Stage, role string) string {
	t.Helper()
	p := &Prompt{Name: name, Stage: stage, ComponentRole: role, Body: "body of " + name}
	require.NoError(t, reg.CreatePrompt(context.Background(), p))
	require.NoError(t, reg.Activate(context.Background(), p.PromptID))
	return p.PromptID
}

func assign(t *testing.T, reg Registry, a *Assignment) *Assignment {
	t.Helper()
	require.NoError(t, reg.Assign(context.Background(), a))
	return a
}

func TestResolveFallsBackToDisk(t *testing.T) {
	_, resolver := newResolverEnv(t)

	res, err := resolver.Resolve(context.Background(), Key{
		Stage:         core.StageInterpretation,
		ComponentRole: "interpreter",
	})
	require.NoError(t, err)
	assert.Equal(t, ScopeDisk, res.Source)
	assert.Nil(t, res.Assignment)
	assert.NotEmpty(t, res.Prompt.Body)
	assert.False(t, res.Recordable(), "disk prompts have no registry record")
}

func TestResolveGlobalBeatsDisk(t *testing.T) {
	reg, resolver := newResolverEnv(t)

	id := activePrompt(t, reg, "intent", core.StageInterpretation, "interpreter")
	assign(t, reg, &Assignment{
		Scope:         ScopeGlobal,
		Stage:         core.StageInterpretation,
		ComponentRole: "interpreter",
		PromptID:      id,
		Priority:      1,
	})

	res, err := resolver.Resolve(context.Background(), Key{
		Stage:         core.StageInterpretation,
		ComponentRole: "interpreter",
	})
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, res.Source)
	assert.Equal(t, id, res.Prompt.PromptID)
	assert.True(t, res.Recordable())
}

func TestResolveScopePrecedence(t *testing.T) {
	reg, resolver := newResolverEnv(t)
	ctx := context.Background()

	globalID := activePrompt(t, reg, "intent-global", core.StageInterpretation, "interpreter")
	agentID := activePrompt(t, reg, "intent-agent", core.StageInterpretation, "interpreter")
	expID := activePrompt(t, reg, "intent-exp", core.StageInterpretation, "interpreter")

	assign(t, reg, &Assignment{Scope: ScopeGlobal, Stage: core.StageInterpretation, ComponentRole: "interpreter", PromptID: globalID, Priority: 1})
	assign(t, reg, &Assignment{Scope: ScopeAgent, Stage: core.StageInterpretation, ComponentRole: "interpreter", AgentID: "agent-1", PromptID: agentID, Priority: 1})
	assign(t, reg, &Assignment{Scope: ScopeExperiment, Stage: core.StageInterpretation, ComponentRole: "interpreter", AgentID: "agent-1", PromptID: expID, Priority: 1})

	res, err := resolver.Resolve(ctx, Key{Stage: core.StageInterpretation, ComponentRole: "interpreter", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, ScopeExperiment, res.Source, "experiment outranks agent and global")
	assert.Equal(t, expID, res.Prompt.PromptID)

	require.NoError(t, reg.Unassign(ctx, ScopeExperiment, res.Assignment.AssignmentID))
	res, err = resolver.Resolve(ctx, Key{Stage: core.StageInterpretation, ComponentRole: "interpreter", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, ScopeAgent, res.Source, "agent outranks global")
	assert.Equal(t, agentID, res.Prompt.PromptID)

	res, err = resolver.Resolve(ctx, Key{Stage: core.StageInterpretation, ComponentRole: "interpreter"})
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, res.Source, "no agent in the key skips agent scope")
	assert.Equal(t, globalID, res.Prompt.PromptID)
}

func TestResolvePriorityWithinScope(t *testing.T) {
	reg, resolver := newResolverEnv(t)

	lowID := activePrompt(t, reg, "intent-low", core.StageInterpretation, "interpreter")
	highID := activePrompt(t, reg, "intent-high", core.StageInterpretation, "interpreter")

	assign(t, reg, &Assignment{Scope: ScopeGlobal, Stage: core.StageInterpretation, ComponentRole: "interpreter", PromptID: lowID, Priority: 1})
	assign(t, reg, &Assignment{Scope: ScopeGlobal, Stage: core.StageInterpretation, ComponentRole: "interpreter", PromptID: highID, Priority: 9})

	res, err := resolver.Resolve(context.Background(), Key{Stage: core.StageInterpretation, ComponentRole: "interpreter"})
	require.NoError(t, err)
	assert.Equal(t, highID, res.Prompt.PromptID)
}

func TestResolveNarrowingFields(t *testing.T) {
	reg, resolver := newResolverEnv(t)
	ctx := context.Background()

	genericID := activePrompt(t, reg, "plan-generic", core.StagePlanning, "planner")
	tunedID := activePrompt(t, reg, "plan-tuned", core.StagePlanning, "planner")

	assign(t, reg, &Assignment{Scope: ScopeGlobal, Stage: core.StagePlanning, ComponentRole: "planner", PromptID: genericID, Priority: 1})
	assign(t, reg, &Assignment{Scope: ScopeGlobal, Stage: core.StagePlanning, ComponentRole: "planner", ModelID: "gpt-4o", PromptID: tunedID, Priority: 9})

	res, err := resolver.Resolve(ctx, Key{Stage: core.StagePlanning, ComponentRole: "planner", ModelID: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, tunedID, res.Prompt.PromptID, "model-specific assignment matches its model")

	res, err = resolver.Resolve(ctx, Key{Stage: core.StagePlanning, ComponentRole: "planner", ModelID: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, genericID, res.Prompt.PromptID, "other models fall through to the generic assignment")
}

func TestResolveSkipsDeprecatedPrompts(t *testing.T) {
	reg, resolver := newResolverEnv(t)
	ctx := context.Background()

	id := activePrompt(t, reg, "intent", core.StageInterpretation, "interpreter")
	assign(t, reg, &Assignment{Scope: ScopeGlobal, Stage: core.StageInterpretation, ComponentRole: "interpreter", PromptID: id, Priority: 1})
	require.NoError(t, reg.Deprecate(ctx, id))

	res, err := resolver.Resolve(ctx, Key{Stage: core.StageInterpretation, ComponentRole: "interpreter"})
	require.NoError(t, err)
	assert.Equal(t, ScopeDisk, res.Source, "deprecated prompt never resolves")
}

func TestResolveUnknownRoleIsPromptNotFound(t *testing.T) {
	_, resolver := newResolverEnv(t)

	_, err := resolver.Resolve(context.Background(), Key{
		Stage:         core.StageInterpretation,
		ComponentRole: "no-such-role",
	})
	assert.Equal(t, core.KindPromptNotFound, core.KindOf(err))
}

func TestResolveValidatesKey(t *testing.T) {
	_, resolver := newResolverEnv(t)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, Key{Stage: "bogus", ComponentRole: "interpreter"})
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	_, err = resolver.Resolve(ctx, Key{Stage: core.StageInterpretation})
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}

func TestFallbackManifestCoversPipelineComponents(t *testing.T) {
	fallback, err := LoadFallback()
	require.NoError(t, err)
	assert.Equal(t, 4, fallback.Len())

	for _, key := range []struct {
		stage core.Stage
		role  string
	}{
		{core.StageInterpretation, "interpreter"},
		{core.StagePlanning, "planner"},
		{core.StageExecution, "step_executor"},
		{core.StageReflection, "reflection_analyzer"},
	} {
		p, ok := fallback.Lookup(key.stage, key.role)
		require.True(t, ok, "missing fallback for %s/%s", key.stage, key.role)
		assert.Equal(t, StatusActive, p.Status)
		assert.NotEmpty(t, p.Body)
	}

	_, ok := fallback.Lookup(core.StageRouting, "router")
	assert.False(t, ok, "routing is rule based and ships no prompt")
}

func TestParseFallbackRejectsBadManifests(t *testing.T) {
	_, err := parseFallback([]byte("prompts: []"))
	assert.Error(t, err)

	_, err = parseFallback([]byte(`
prompts:
  - name: x
    stage: not-a-stage
    component_role: r
    body: b
`))
	assert.Error(t, err)

	_, err = parseFallback([]byte(`
prompts:
  - name: a
    stage: planning
    component_role: planner
    body: b
  - name: b
    stage: planning
    component_role: planner
    body: c
`))
	assert.Error(t, err, "duplicate stage/role pair")
}
