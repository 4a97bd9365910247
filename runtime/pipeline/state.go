package pipeline

const (
	haltKey          = "halt"
	haltReasonKey    = "halt_reason"
	lastCompletedKey = "last_completed_step"
	currentStepKey   = "current_step"
)

// State is the mutable key-value map one pipeline execution runs on. Each
// execution owns its state; handlers read the keys their step requires and
// write the keys it produces.
type State map[string]any

// Clone returns a shallow copy of the state. Values are shared; handlers
// treat stored values as immutable and replace rather than mutate them.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Halt requests a short-circuit: the runner skips all remaining steps and
// returns the state as-is.
func (s State) Halt(reason string) {
	s[haltKey] = true
	s[haltReasonKey] = reason
}

// Halted reports whether a step requested a short-circuit.
func (s State) Halted() bool {
	halted, _ := s[haltKey].(bool)
	return halted
}

// HaltReason returns the reason recorded by Halt, if any.
func (s State) HaltReason() string {
	reason, _ := s[haltReasonKey].(string)
	return reason
}

// LastCompletedStep returns the id of the last step that finished, recorded
// by the runner after each step. Callers use it to resume from a
// deterministic checkpoint after a failure.
func (s State) LastCompletedStep() string {
	id, _ := s[lastCompletedKey].(string)
	return id
}

// CurrentStep returns the step whose handler is executing. The runner
// injects it before each handler call so handlers read their mutable config
// (ConfigureStep takes effect on the next run) instead of values captured at
// registration time.
func (s State) CurrentStep() Step {
	step, _ := s[currentStepKey].(Step)
	return step
}

// String returns the value under key when it is a non-empty string.
func (s State) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok && v != ""
}
