package prompts

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aard-labs/aard/core"
)

//go:embed fallback.yaml
var fallbackManifest []byte

// Fallback holds the built-in component prompts compiled into the binary.
// It is the last stop of resolution: the system can always produce a
// prompt for a known (stage, component_role) even with an empty registry.
type Fallback struct {
	byKey map[fallbackKey]*Prompt
}

type fallbackKey struct {
	stage core.Stage
	role  string
}

type manifest struct {
	Prompts []manifestPrompt `yaml:"prompts"`
}

type manifestPrompt struct {
	Name          string `yaml:"name"`
	Stage         string `yaml:"stage"`
	ComponentRole string `yaml:"component_role"`
	Body          string `yaml:"body"`
}

// LoadFallback parses the embedded manifest. It fails on duplicate or
// malformed entries so a bad build is caught at startup, not at first
// resolution.
func LoadFallback() (*Fallback, error) {
	return parseFallback(fallbackManifest)
}

func parseFallback(data []byte) (*Fallback, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse fallback manifest: %w", err)
	}
	if len(m.Prompts) == 0 {
		return nil, fmt.Errorf("fallback manifest is empty: %w", core.ErrMissingConfiguration)
	}

	f := &Fallback{byKey: make(map[fallbackKey]*Prompt, len(m.Prompts))}
	loaded := time.Now().UTC()
	for _, mp := range m.Prompts {
		stage := core.Stage(mp.Stage)
		if !core.ValidStage(stage) {
			return nil, fmt.Errorf("fallback prompt %q has unknown stage %q: %w", mp.Name, mp.Stage, core.ErrInvalidConfiguration)
		}
		if mp.Name == "" || mp.ComponentRole == "" || mp.Body == "" {
			return nil, fmt.Errorf("fallback prompt %q is incomplete: %w", mp.Name, core.ErrInvalidConfiguration)
		}
		key := fallbackKey{stage: stage, role: mp.ComponentRole}
		if _, dup := f.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate fallback prompt for %s/%s: %w", mp.Stage, mp.ComponentRole, core.ErrInvalidConfiguration)
		}
		f.byKey[key] = &Prompt{
			PromptID:      "fallback:" + mp.Name,
			Name:          mp.Name,
			Version:       1,
			Stage:         stage,
			ComponentRole: mp.ComponentRole,
			Status:        StatusActive,
			Body:          mp.Body,
			CreatedAt:     loaded,
		}
	}
	return f, nil
}

// Lookup returns the built-in prompt for a stage and role.
func (f *Fallback) Lookup(stage core.Stage, role string) (*Prompt, bool) {
	p, ok := f.byKey[fallbackKey{stage: stage, role: role}]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Len reports how many prompts the manifest shipped.
func (f *Fallback) Len() int { return len(f.byKey) }
