// Package pipeline implements the workflow engine: named, revisioned
// pipelines of steps with declared requires/produces dependencies, a
// validating manager for runtime mutation, and a sequential runner with
// user-registered interceptors.
package pipeline

import "context"

// Handler executes one step. It receives the execution state and returns
// the updated state (or nil to keep the current one). Handlers observe
// cancellation through ctx and must return promptly when it fires.
type Handler func(ctx context.Context, state State) (State, error)

// Step is one unit of work in a pipeline.
type Step struct {
	// ID uniquely identifies the step within its pipeline.
	ID string
	// Requires lists the state keys that must exist before the step runs.
	Requires []string
	// Produces lists the state keys the step writes.
	Produces []string
	// Capabilities tags the step for routing and observability
	// (for example "llm", "vector", "db", "io", "vision").
	Capabilities []string
	// Config is the step's mutable configuration
	// (for example "llm_profile": "default").
	Config map[string]any
	// Handler performs the work.
	Handler Handler
}

// ConfigString returns the string config value under key, or def when the
// key is absent or not a string.
func (s Step) ConfigString(key, def string) string {
	if v, ok := s.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigBool returns the bool config value under key, or def when absent.
func (s Step) ConfigBool(key string, def bool) bool {
	if v, ok := s.Config[key].(bool); ok {
		return v
	}
	return def
}

// clone deep-copies the step's mutable parts so pipeline snapshots are
// isolated from later mutations.
func (s Step) clone() Step {
	out := s
	out.Requires = append([]string(nil), s.Requires...)
	out.Produces = append([]string(nil), s.Produces...)
	out.Capabilities = append([]string(nil), s.Capabilities...)
	if s.Config != nil {
		out.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return out
}
