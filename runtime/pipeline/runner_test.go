package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
)

func TestRunSequentialStateFlow(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	p := Pipeline{
		Name:          "flow",
		InitialInputs: []string{"input"},
		Steps: []Step{
			{ID: "double", Handler: func(_ context.Context, s State) (State, error) {
				s["value"] = s["input"].(int) * 2
				return s, nil
			}},
			{ID: "add", Handler: func(_ context.Context, s State) (State, error) {
				s["value"] = s["value"].(int) + 1
				return s, nil
			}},
		},
	}
	state, err := r.Run(context.Background(), p, State{"input": 20})
	require.NoError(t, err)
	require.Equal(t, 41, state["value"])
	require.Equal(t, "add", state.LastCompletedStep())
}

func TestRunHaltSkipsRemainingSteps(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	ran := []string{}
	step := func(id string, halt bool) Step {
		return Step{ID: id, Handler: func(_ context.Context, s State) (State, error) {
			ran = append(ran, id)
			if halt {
				s.Halt("sufficient context")
			}
			return s, nil
		}}
	}
	p := Pipeline{Name: "halting", Steps: []Step{step("a", false), step("b", true), step("c", false)}}
	state, err := r.Run(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ran)
	require.True(t, state.Halted())
	require.Equal(t, "sufficient context", state.HaltReason())
	require.Equal(t, "b", state.LastCompletedStep())
}

func TestRunStepFailureInvokesOnError(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	var gotStep string
	var gotErr error
	r.OnError(func(_ context.Context, _ string, step Step, _ State, err error) {
		gotStep = step.ID
		gotErr = err
	})
	boom := memory.E(memory.KindExtractionFailed, "no parseable output")
	p := Pipeline{Name: "failing", Steps: []Step{
		{ID: "ok", Handler: func(_ context.Context, s State) (State, error) { return s, nil }},
		{ID: "boom", Handler: func(_ context.Context, _ State) (State, error) { return nil, boom }},
	}}
	state, err := r.Run(context.Background(), p, nil)
	require.True(t, memory.IsKind(err, memory.KindExtractionFailed))
	require.Equal(t, "boom", gotStep)
	require.ErrorIs(t, gotErr, boom)
	require.Equal(t, "ok", state.LastCompletedStep())

	var tagged *memory.Error
	require.True(t, errors.As(err, &tagged))
	require.Equal(t, "ok", tagged.Details["last_completed_step"])
	require.Equal(t, "boom", tagged.Details["step_id"])
}

func TestRunWrapsUntaggedErrors(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	opaque := errors.New("driver: bad connection")
	p := Pipeline{Name: "opaque", Steps: []Step{
		{ID: "db", Handler: func(_ context.Context, _ State) (State, error) { return nil, opaque }},
	}}
	_, err := r.Run(context.Background(), p, nil)
	require.True(t, memory.IsKind(err, memory.KindBackendUnavailable))
	require.ErrorIs(t, err, opaque)
}

func TestRunCancellation(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	var errStep string
	r.OnError(func(_ context.Context, _ string, step Step, _ State, _ error) { errStep = step.ID })

	ctx, cancel := context.WithCancel(context.Background())
	p := Pipeline{Name: "cancelled", Steps: []Step{
		{ID: "first", Handler: func(_ context.Context, s State) (State, error) {
			cancel()
			return s, nil
		}},
		{ID: "second", Handler: func(_ context.Context, s State) (State, error) {
			t.Fatal("second step ran after cancellation")
			return s, nil
		}},
	}}
	state, err := r.Run(ctx, p, nil)
	require.True(t, memory.IsKind(err, memory.KindCancelled))
	require.Equal(t, "second", errStep)
	require.Equal(t, "first", state.LastCompletedStep())
}

func TestBeforeAfterInterceptors(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	var order []string
	r.OnBefore(func(_ context.Context, _ string, step Step, _ State) {
		order = append(order, "before:"+step.ID)
	})
	r.OnAfter(func(_ context.Context, _ string, step Step, _ State) {
		order = append(order, "after:"+step.ID)
	})
	p := Pipeline{Name: "intercepted", Steps: []Step{
		{ID: "x", Handler: func(_ context.Context, s State) (State, error) { return s, nil }},
		{ID: "y", Handler: func(_ context.Context, s State) (State, error) { return s, nil }},
	}}
	_, err := r.Run(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"before:x", "after:x", "before:y", "after:y"}, order)
}

func TestRunDoesNotMutateInitialState(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	initial := State{"input": 1}
	p := Pipeline{Name: "isolated", Steps: []Step{
		{ID: "write", Handler: func(_ context.Context, s State) (State, error) {
			s["extra"] = true
			return s, nil
		}},
	}}
	_, err := r.Run(context.Background(), p, initial)
	require.NoError(t, err)
	require.NotContains(t, initial, "extra")
	require.NotContains(t, initial, lastCompletedKey)
}
