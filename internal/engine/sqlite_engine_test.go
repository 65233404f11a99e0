package engine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/convoflow/pkg/api"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteEngineEndToEnd(t *testing.T) {
	agent := &scriptedAgent{results: []api.AgentResult{
		{Content: "got it", Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
	}}
	eng, err := NewSQLiteEngine(openTestDB(t), Config{
		Agents: agent,
		Memory: &recordingMemory{added: make([]api.MemoryMessage, 10)},
	})
	require.NoError(t, err)
	require.NoError(t, eng.RegisterWorkflow(threeStepDef()))
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)

	_, err = eng.StartInstance(ctx, "user-1", "onboarding")
	assert.ErrorIs(t, err, api.ErrConflict)

	for _, msg := range []string{"hi", "facts", "done"} {
		require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: msg}))
	}
	require.NoError(t, eng.Drain(ctx, inst.ID))

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, got.Status)
	assert.Equal(t, []string{"greeting", "discovery", "wrap_up"}, got.StepsCompleted)
}

// Signals offered before a crash survive in the SQLite inbox and are
// drained by RecoverPending on the next boot.
func TestSQLiteEngineRecoversAcrossRestart(t *testing.T) {
	db := openTestDB(t)
	agent := &scriptedAgent{results: []api.AgentResult{
		{Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
	}}

	eng1, err := NewSQLiteEngine(db, Config{})
	require.NoError(t, err)
	require.NoError(t, eng1.RegisterWorkflow(threeStepDef()))
	ctx := context.Background()

	inst, err := eng1.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	require.NoError(t, eng1.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))

	// "Restart": a second engine over the same database.
	eng2, err := NewSQLiteEngine(db, Config{
		Agents: agent,
		Memory: &recordingMemory{added: make([]api.MemoryMessage, 10)},
	})
	require.NoError(t, err)
	require.NoError(t, eng2.RegisterWorkflow(threeStepDef()))

	n, err := eng2.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := eng2.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.CurrentStep)
}
