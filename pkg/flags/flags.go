// Package flags provides a reference FeatureFlagProvider: a static map
// seeded from environment variables, refreshable without a restart via
// Set. A real deployment would likely swap this for a provider backed by
// the orchestration server's own feature-flag endpoint; the dispatch core
// only depends on the dispatch.FeatureFlagProvider interface, so either
// works.
package flags

import (
	"context"
	"os"
	"strings"
	"sync"

	"forgeagent/pkg/dispatch"
)

// EnvProvider reads FORGEAGENT_FLAG_<NAME>=On|Off at startup and otherwise
// defaults every flag to Off.
type EnvProvider struct {
	mu    sync.RWMutex
	state map[string]dispatch.FeatureFlagState
}

func NewEnvProvider() *EnvProvider {
	p := &EnvProvider{state: make(map[string]dispatch.FeatureFlagState)}
	const prefix = "FORGEAGENT_FLAG_"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		flagName := strings.TrimPrefix(name, prefix)
		if strings.EqualFold(value, "on") {
			p.state[flagName] = dispatch.FlagStateOn
		} else {
			p.state[flagName] = dispatch.FlagStateOff
		}
	}
	return p
}

func (p *EnvProvider) Get(ctx context.Context, name string) (dispatch.FeatureFlagState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if state, ok := p.state[name]; ok {
		return state, nil
	}
	return dispatch.FlagStateOff, nil
}

// Set overrides a flag at runtime, e.g. to flip FailJobWhenAgentDies
// without a restart.
func (p *EnvProvider) Set(name string, state dispatch.FeatureFlagState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[name] = state
}
