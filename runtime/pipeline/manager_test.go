package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
)

func noop(_ context.Context, state State) (State, error) { return state, nil }

func testPipeline() Pipeline {
	return Pipeline{
		Name:          "memorize",
		InitialInputs: []string{"resource_url", "scope"},
		Steps: []Step{
			{ID: "ingest", Requires: []string{"resource_url", "scope"}, Produces: []string{"resource"}, Handler: noop},
			{ID: "extract", Requires: []string{"resource"}, Produces: []string{"items"}, Handler: noop},
			{ID: "persist", Requires: []string{"items"}, Produces: []string{"response"}, Handler: noop},
		},
	}
}

func TestRegisterValidPipeline(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(testPipeline()))
	rev, err := m.Revision("memorize")
	require.NoError(t, err)
	require.Equal(t, 1, rev)
}

func TestRegisterRejectsUnsatisfiedRequires(t *testing.T) {
	m := NewManager(nil)
	p := testPipeline()
	p.Steps[1].Requires = []string{"never_produced"}
	err := m.Register(p)
	require.True(t, memory.IsKind(err, memory.KindPipelineInvalid))
}

func TestRegisterRejectsDuplicateStepIDs(t *testing.T) {
	m := NewManager(nil)
	p := testPipeline()
	p.Steps[2].ID = "ingest"
	err := m.Register(p)
	require.True(t, memory.IsKind(err, memory.KindPipelineInvalid))
}

func TestMutationsIncrementRevision(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(testPipeline()))

	rev, err := m.ConfigureStep("memorize", "extract", map[string]any{"llm_profile": "fast"})
	require.NoError(t, err)
	require.Equal(t, 2, rev)

	rev, err = m.InsertStepAfter("memorize", "extract", Step{
		ID: "dedupe", Requires: []string{"items"}, Produces: []string{"items"}, Handler: noop,
	})
	require.NoError(t, err)
	require.Equal(t, 3, rev)

	rev, err = m.ReplaceStep("memorize", "dedupe", Step{
		ID: "dedupe", Requires: []string{"items"}, Produces: []string{"items"}, Handler: noop,
	})
	require.NoError(t, err)
	require.Equal(t, 4, rev)

	rev, err = m.RemoveStep("memorize", "dedupe")
	require.NoError(t, err)
	require.Equal(t, 5, rev)

	p, err := m.Snapshot("memorize")
	require.NoError(t, err)
	require.Equal(t, "fast", p.Steps[1].ConfigString("llm_profile", ""))
	require.Len(t, p.Steps, 3)
}

func TestInvalidMutationLeavesRevisionUnchanged(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(testPipeline()))

	// Removing "extract" breaks persist's requires.
	_, err := m.RemoveStep("memorize", "extract")
	require.True(t, memory.IsKind(err, memory.KindPipelineInvalid))

	rev, err := m.Revision("memorize")
	require.NoError(t, err)
	require.Equal(t, 1, rev)

	p, err := m.Snapshot("memorize")
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)
}

func TestInsertBeforeOrdering(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(testPipeline()))
	_, err := m.InsertStepBefore("memorize", "extract", Step{
		ID: "preprocess", Requires: []string{"resource"}, Produces: []string{"resource"}, Handler: noop,
	})
	require.NoError(t, err)
	p, err := m.Snapshot("memorize")
	require.NoError(t, err)
	require.Equal(t, []string{"ingest", "preprocess", "extract", "persist"}, stepIDs(p))
}

// Dependency validation holds after any sequence of successful mutations:
// each step's requires is covered by initial inputs plus earlier produces.
func TestValidityInvariantAfterMutations(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(testPipeline()))
	_, err := m.InsertStepAfter("memorize", "ingest", Step{
		ID: "caption", Requires: []string{"resource"}, Produces: []string{"caption"}, Handler: noop,
	})
	require.NoError(t, err)
	_, err = m.ReplaceStep("memorize", "extract", Step{
		ID: "extract", Requires: []string{"resource", "caption"}, Produces: []string{"items"}, Handler: noop,
	})
	require.NoError(t, err)

	p, err := m.Snapshot("memorize")
	require.NoError(t, err)
	available := map[string]bool{}
	for _, k := range p.InitialInputs {
		available[k] = true
	}
	for _, s := range p.Steps {
		for _, req := range s.Requires {
			require.True(t, available[req], "step %s requires %s", s.ID, req)
		}
		for _, prod := range s.Produces {
			available[prod] = true
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(testPipeline()))
	p, err := m.Snapshot("memorize")
	require.NoError(t, err)
	p.Steps[0].Config = map[string]any{"mutated": true}

	p2, err := m.Snapshot("memorize")
	require.NoError(t, err)
	require.Nil(t, p2.Steps[0].Config)
}

func stepIDs(p Pipeline) []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}
