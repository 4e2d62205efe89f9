package agent

import (
	"fmt"

	"github.com/c360studio/migrator/model"
)

// Registry binds every pipeline stage to its agent. The table is
// closed at construction: a missing or doubly-bound stage fails the
// build, so a running worker can always dispatch any stage it is
// handed.
type Registry struct {
	agents map[model.Stage]Agent
}

// NewRegistry builds a full-coverage registry from the given agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	table := make(map[model.Stage]Agent, len(agents))
	for _, ag := range agents {
		stage := ag.Stage()
		if !stage.IsValid() {
			return nil, fmt.Errorf("agent bound to unknown stage %q", stage)
		}
		if _, dup := table[stage]; dup {
			return nil, fmt.Errorf("stage %s bound twice", stage)
		}
		table[stage] = ag
	}

	for _, stage := range model.Stages() {
		if _, ok := table[stage]; !ok {
			return nil, fmt.Errorf("no agent bound to stage %s", stage)
		}
	}

	return &Registry{agents: table}, nil
}

// Get returns the agent bound to a stage.
func (r *Registry) Get(stage model.Stage) (Agent, bool) {
	ag, ok := r.agents[stage]
	return ag, ok
}

// Stages returns the stages the registry covers, in pipeline order.
func (r *Registry) Stages() []model.Stage {
	return model.Stages()
}
