// Package pipeline defines analysis pipeline specifications: the ordered
// list of stages a task runs through and the agents each stage fans out.
// Presets are built in; custom pipelines are loaded from YAML files.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/StrataBot/MarketMind/internal/domain"
)

var (
	ErrNoStages         = errors.New("pipeline must have at least one stage")
	ErrStageMissingName = errors.New("stage name is required")
	ErrStageNoAgents    = errors.New("stage must have at least one agent")
	ErrAgentMissingID   = errors.New("agent id is required")
	ErrAgentMissingKind = errors.New("agent kind is required")
	ErrDuplicateAgentID = errors.New("agent id duplicated within stage")
	ErrDuplicateStage   = errors.New("stage name duplicated within pipeline")
	ErrUnknownPreset    = errors.New("unknown pipeline preset")
	ErrTooManyAgents    = errors.New("stage exceeds max agents")
)

// MaxAgentsPerStage caps the fan-out of a single stage.
const MaxAgentsPerStage = 16

// AgentSpec identifies one unit of independent analytical work within a stage.
// Kind selects the registered capability implementation; Params are passed
// through to the capability untouched.
type AgentSpec struct {
	ID     string            `json:"id" yaml:"id"`
	Kind   string            `json:"kind" yaml:"kind"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// StageSpec is one sequential phase of a pipeline. A required stage fails the
// task when all of its agents fail; a non-required stage is skipped instead.
type StageSpec struct {
	Name     string      `json:"name" yaml:"name"`
	Required bool        `json:"required" yaml:"required"`
	Agents   []AgentSpec `json:"agents" yaml:"agents"`
}

// Spec is a complete ordered pipeline definition.
type Spec struct {
	Name   string      `json:"name" yaml:"name"`
	Stages []StageSpec `json:"stages" yaml:"stages"`
}

// Validate checks the pipeline for structural correctness.
func (s *Spec) Validate() error {
	if len(s.Stages) == 0 {
		return fmt.Errorf("%w: %w", domain.ErrValidation, ErrNoStages)
	}

	stageNames := make(map[string]bool, len(s.Stages))
	for i := range s.Stages {
		st := &s.Stages[i]
		if st.Name == "" {
			return fmt.Errorf("%w: stage %d: %w", domain.ErrValidation, i, ErrStageMissingName)
		}
		if stageNames[st.Name] {
			return fmt.Errorf("%w: stage %q: %w", domain.ErrValidation, st.Name, ErrDuplicateStage)
		}
		stageNames[st.Name] = true

		if len(st.Agents) == 0 {
			return fmt.Errorf("%w: stage %q: %w", domain.ErrValidation, st.Name, ErrStageNoAgents)
		}
		if len(st.Agents) > MaxAgentsPerStage {
			return fmt.Errorf("%w: stage %q: %w (%d > %d)", domain.ErrValidation, st.Name, ErrTooManyAgents, len(st.Agents), MaxAgentsPerStage)
		}

		agentIDs := make(map[string]bool, len(st.Agents))
		for j := range st.Agents {
			ag := &st.Agents[j]
			if ag.ID == "" {
				return fmt.Errorf("%w: stage %q agent %d: %w", domain.ErrValidation, st.Name, j, ErrAgentMissingID)
			}
			if ag.Kind == "" {
				return fmt.Errorf("%w: stage %q agent %q: %w", domain.ErrValidation, st.Name, ag.ID, ErrAgentMissingKind)
			}
			if agentIDs[ag.ID] {
				return fmt.Errorf("%w: stage %q agent %q: %w", domain.ErrValidation, st.Name, ag.ID, ErrDuplicateAgentID)
			}
			agentIDs[ag.ID] = true
		}
	}
	return nil
}

// AgentCount returns the total number of agents across all stages.
func (s *Spec) AgentCount() int {
	n := 0
	for i := range s.Stages {
		n += len(s.Stages[i].Agents)
	}
	return n
}
