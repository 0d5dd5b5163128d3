package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/storage"
	"github.com/ashita-ai/renga/internal/testutil"
)

var testDB *storage.Postgres

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect test db: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(context.Background())

	os.Exit(m.Run())
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("integration tests skipped")
	}
}

func uniqueID(prefix string) string {
	return prefix + "-" + model.NewRunID()[4:12]
}

func TestPostgresAssistantLifecycle(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	owner := uniqueID("owner")
	id := uniqueID("asst")

	a, created, err := testDB.PutAssistant(ctx, model.Assistant{
		ID:       id,
		GraphID:  "agent",
		Config:   model.AssistantConfig{Model: "echo"},
		Metadata: model.StampOwner(map[string]any{"team": "core"}, owner),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, a.Version)

	// Upsert by id: version bumps, metadata merges, owner survives.
	b, created, err := testDB.PutAssistant(ctx, model.Assistant{
		ID:       id,
		GraphID:  "agent",
		Config:   model.AssistantConfig{Model: "echo", SystemPrompt: "hi"},
		Metadata: map[string]any{"env": "prod"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, b.Version)
	assert.Equal(t, "hi", b.Config.SystemPrompt)
	assert.Equal(t, "core", b.Metadata["team"])
	assert.Equal(t, owner, model.Owner(b.Metadata))

	// Invisible to strangers, visible through search to the owner.
	_, err = testDB.GetAssistant(ctx, id, uniqueID("stranger"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	found, err := testDB.SearchAssistants(ctx, owner, model.SearchRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, found, 1)

	count, err := testDB.CountAssistants(ctx, owner, model.SearchRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	graphID := "agent"
	updated, err := testDB.UpdateAssistant(ctx, id, owner, model.UpdateAssistantRequest{
		GraphID:  &graphID,
		Metadata: map[string]any{"note": "patched"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Version)
	assert.Equal(t, "patched", updated.Metadata["note"])

	require.NoError(t, testDB.DeleteAssistant(ctx, id, owner))
	_, err = testDB.GetAssistant(ctx, id, owner)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresSharedAssistantVisibility(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	id := uniqueID("shared")

	_, _, err := testDB.PutAssistant(ctx, model.Assistant{
		ID:       id,
		GraphID:  "agent",
		Metadata: model.StampOwner(nil, model.SharedOwner),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.DeleteAssistant(ctx, id, model.SharedOwner) })

	got, err := testDB.GetAssistant(ctx, id, uniqueID("anyone"))
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestPostgresThreadStateHistory(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	owner := uniqueID("owner")

	th, err := testDB.CreateThread(ctx, model.Thread{Metadata: model.StampOwner(nil, owner)})
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusIdle, th.Status)

	_, err = testDB.LatestThreadState(ctx, th.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ids := make([]string, 3)
	var parent string
	for i := range ids {
		ids[i] = model.NewCheckpointID()
		require.NoError(t, testDB.AppendThreadState(ctx, th.ID, owner, model.StateSnapshot{
			CheckpointID:       ids[i],
			ParentCheckpointID: parent,
			Values:             map[string]any{"turn": i},
		}, model.ThreadStatusIdle))
		parent = ids[i]
	}

	latest, err := testDB.LatestThreadState(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.CheckpointID)
	assert.Equal(t, ids[1], latest.ParentCheckpointID)

	// Thread.values mirrors the newest snapshot.
	got, err := testDB.GetThread(ctx, th.ID, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Values["turn"])

	history, err := testDB.ThreadHistory(ctx, th.ID, owner, 10, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].CheckpointID)

	older, err := testDB.ThreadHistory(ctx, th.ID, owner, 10, ids[1])
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, ids[0], older[0].CheckpointID)

	require.NoError(t, testDB.SetThreadStatus(ctx, th.ID, model.ThreadStatusBusy))
	busy, err := testDB.GetThread(ctx, th.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusBusy, busy.Status)
}

func TestPostgresRunLifecycleAndCascade(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	owner := uniqueID("owner")

	th, err := testDB.CreateThread(ctx, model.Thread{Metadata: model.StampOwner(nil, owner)})
	require.NoError(t, err)

	r, err := testDB.CreateRun(ctx, model.Run{
		ThreadID:          th.ID,
		AssistantID:       uniqueID("asst"),
		Metadata:          model.StampOwner(nil, owner),
		MultitaskStrategy: model.MultitaskReject,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, r.Status)

	active, err := testDB.ActiveRun(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, active.ID)

	_, err = testDB.SetRunStatus(ctx, r.ID, model.RunStatusRunning)
	require.NoError(t, err)
	settled, err := testDB.SetRunStatus(ctx, r.ID, model.RunStatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, settled.Status)

	_, err = testDB.SetRunStatus(ctx, r.ID, model.RunStatusError)
	assert.ErrorIs(t, err, storage.ErrTerminal)

	_, err = testDB.ActiveRun(ctx, th.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	runs, err := testDB.ListRuns(ctx, th.ID, owner, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// Deleting the thread removes its history and runs.
	require.NoError(t, testDB.AppendThreadState(ctx, th.ID, owner, model.StateSnapshot{
		Values: map[string]any{},
	}, model.ThreadStatusIdle))
	require.NoError(t, testDB.DeleteThread(ctx, th.ID, owner))

	_, err = testDB.GetRun(ctx, th.ID, r.ID, owner)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.LatestThreadState(ctx, th.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
