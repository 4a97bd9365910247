package pipeline

import (
	"context"
	"sync"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/telemetry"
)

// Pipeline is an ordered, revisioned list of steps composing one service
// operation. InitialInputs lists the state keys the caller seeds before the
// run (for example "resource_url", "scope").
type Pipeline struct {
	Name          string
	InitialInputs []string
	Steps         []Step
	Revision      int
}

func (p Pipeline) clone() Pipeline {
	out := p
	out.InitialInputs = append([]string(nil), p.InitialInputs...)
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.clone()
	}
	return out
}

// Manager holds the named pipelines and applies validated mutations.
// Mutations are atomic: a change that would leave the pipeline invalid is
// rejected and the revision is unchanged. Reads return isolated snapshots.
type Manager struct {
	mu        sync.RWMutex
	logger    telemetry.Logger
	pipelines map[string]*Pipeline
}

// NewManager builds an empty pipeline manager. A nil logger defaults to the
// no-op logger.
func NewManager(logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{logger: logger, pipelines: make(map[string]*Pipeline)}
}

// Register installs a pipeline at revision 1 after validating it. An
// existing pipeline with the same name is replaced.
func (m *Manager) Register(p Pipeline) error {
	if p.Name == "" {
		return memory.E(memory.KindPipelineInvalid, "pipeline name is required")
	}
	candidate := p.clone()
	if err := m.validate(candidate); err != nil {
		return err
	}
	candidate.Revision = 1
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[candidate.Name] = &candidate
	return nil
}

// Snapshot returns an isolated copy of the named pipeline.
func (m *Manager) Snapshot(name string) (Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[name]
	if !ok {
		return Pipeline{}, memory.Ef(memory.KindPipelineInvalid, "unknown pipeline %q", name)
	}
	return p.clone(), nil
}

// ConfigureStep merges the given config values into the target step and
// returns the new revision.
func (m *Manager) ConfigureStep(pipeline, stepID string, configs map[string]any) (int, error) {
	return m.mutate(pipeline, func(p *Pipeline) error {
		for i := range p.Steps {
			if p.Steps[i].ID != stepID {
				continue
			}
			if p.Steps[i].Config == nil {
				p.Steps[i].Config = make(map[string]any, len(configs))
			}
			for k, v := range configs {
				p.Steps[i].Config[k] = v
			}
			return nil
		}
		return memory.Ef(memory.KindPipelineInvalid, "unknown step %q in pipeline %q", stepID, pipeline)
	})
}

// InsertStepBefore inserts a new step immediately before the target step
// and returns the new revision.
func (m *Manager) InsertStepBefore(pipeline, target string, step Step) (int, error) {
	return m.insert(pipeline, target, step, 0)
}

// InsertStepAfter inserts a new step immediately after the target step and
// returns the new revision.
func (m *Manager) InsertStepAfter(pipeline, target string, step Step) (int, error) {
	return m.insert(pipeline, target, step, 1)
}

// ReplaceStep swaps the target step for the given one and returns the new
// revision.
func (m *Manager) ReplaceStep(pipeline, target string, step Step) (int, error) {
	return m.mutate(pipeline, func(p *Pipeline) error {
		for i := range p.Steps {
			if p.Steps[i].ID == target {
				p.Steps[i] = step.clone()
				return nil
			}
		}
		return memory.Ef(memory.KindPipelineInvalid, "unknown step %q in pipeline %q", target, pipeline)
	})
}

// RemoveStep deletes the target step and returns the new revision.
func (m *Manager) RemoveStep(pipeline, target string) (int, error) {
	return m.mutate(pipeline, func(p *Pipeline) error {
		for i := range p.Steps {
			if p.Steps[i].ID == target {
				p.Steps = append(p.Steps[:i], p.Steps[i+1:]...)
				return nil
			}
		}
		return memory.Ef(memory.KindPipelineInvalid, "unknown step %q in pipeline %q", target, pipeline)
	})
}

func (m *Manager) insert(pipeline, target string, step Step, offset int) (int, error) {
	return m.mutate(pipeline, func(p *Pipeline) error {
		for i := range p.Steps {
			if p.Steps[i].ID != target {
				continue
			}
			at := i + offset
			p.Steps = append(p.Steps[:at], append([]Step{step.clone()}, p.Steps[at:]...)...)
			return nil
		}
		return memory.Ef(memory.KindPipelineInvalid, "unknown step %q in pipeline %q", target, pipeline)
	})
}

// mutate applies fn to a working copy, validates the result, and only then
// swaps it in with an incremented revision.
func (m *Manager) mutate(pipeline string, fn func(*Pipeline) error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.pipelines[pipeline]
	if !ok {
		return 0, memory.Ef(memory.KindPipelineInvalid, "unknown pipeline %q", pipeline)
	}
	candidate := current.clone()
	if err := fn(&candidate); err != nil {
		return current.Revision, err
	}
	if err := m.validate(candidate); err != nil {
		return current.Revision, err
	}
	candidate.Revision = current.Revision + 1
	m.pipelines[pipeline] = &candidate
	return candidate.Revision, nil
}

// validate checks step id uniqueness and the dependency rule: each step's
// requires must be covered by the initial inputs plus the produces of all
// earlier steps. A step overwriting a key produced earlier is allowed but
// logged.
func (m *Manager) validate(p Pipeline) error {
	seen := make(map[string]struct{}, len(p.Steps))
	available := make(map[string]string, len(p.InitialInputs))
	for _, k := range p.InitialInputs {
		available[k] = ""
	}
	for _, s := range p.Steps {
		if s.ID == "" {
			return memory.Ef(memory.KindPipelineInvalid, "pipeline %q contains a step with no id", p.Name)
		}
		if _, dup := seen[s.ID]; dup {
			return memory.Ef(memory.KindPipelineInvalid, "pipeline %q declares step %q twice", p.Name, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Handler == nil {
			return memory.Ef(memory.KindPipelineInvalid, "step %q in pipeline %q has no handler", s.ID, p.Name)
		}
		for _, req := range s.Requires {
			if _, ok := available[req]; !ok {
				return memory.Ef(memory.KindPipelineInvalid,
					"step %q in pipeline %q requires %q which no earlier step produces", s.ID, p.Name, req)
			}
		}
		for _, prod := range s.Produces {
			if producer, ok := available[prod]; ok && producer != "" {
				m.logger.Warn(context.Background(), "pipeline step overwrites key",
					"pipeline", p.Name, "step", s.ID, "key", prod, "producer", producer)
			}
			available[prod] = s.ID
		}
	}
	return nil
}

// Names returns the registered pipeline names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pipelines))
	for name := range m.pipelines {
		names = append(names, name)
	}
	return names
}

// Revision returns the current revision of the named pipeline.
func (m *Manager) Revision(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[name]
	if !ok {
		return 0, memory.Ef(memory.KindPipelineInvalid, "unknown pipeline %q", name)
	}
	return p.Revision, nil
}
