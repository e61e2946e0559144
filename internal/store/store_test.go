package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rulejanitor/internal/db"
	"rulejanitor/internal/events"
	"rulejanitor/internal/migrate"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Store{
		DB:     conn,
		Events: events.Writer{Now: func() time.Time { return time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC) }},
	}
}

func sampleRun(id string, startedAt time.Time) RunRecord {
	return RunRecord{
		ID:                 id,
		Server:             "mgmt.example.net",
		Layer:              "Network",
		Mode:               "run",
		DisableAfterMonths: 6,
		DeleteAfterMonths:  12,
		Fetched:            42,
		Decision:           "publish",
		StartedAt:          startedAt,
		FinishedAt:         startedAt.Add(30 * time.Second),
		Rules: []RuleRecord{
			{UID: "u2", Name: "old-rule", RuleNumber: 7, Action: "delete", Outcome: "ok"},
			{UID: "u1", Name: "stale-rule", RuleNumber: 3, Action: "disable", Outcome: "failed", Error: "refused"},
			{UID: "u3", Name: "stale-too", RuleNumber: 1, Action: "disable", Outcome: "ok"},
		},
	}
}

func TestRecordRunRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	rec := sampleRun("run-1", started)
	evts := []PhaseEvent{
		{Type: "run.start", Payload: events.Payload{"mode": "run"}},
		{Type: "run.done", Payload: events.Payload{"decision": "publish"}},
	}
	require.NoError(t, st.RecordRun(ctx, rec, evts))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "mgmt.example.net", got.Server)
	require.Equal(t, "Network", got.Layer)
	require.Equal(t, 42, got.Fetched)
	require.Equal(t, "publish", got.Decision)
	require.Empty(t, got.Error)
	require.True(t, got.StartedAt.Equal(started))
	require.True(t, got.FinishedAt.Equal(started.Add(30*time.Second)))

	// Rules come back ordered by action, then rule number.
	require.Len(t, got.Rules, 3)
	require.Equal(t, "u2", got.Rules[0].UID)
	require.Equal(t, "u3", got.Rules[1].UID)
	require.Equal(t, "u1", got.Rules[2].UID)
	require.Equal(t, "refused", got.Rules[2].Error)
}

func TestRecordRunWithError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := sampleRun("run-err", time.Now().UTC())
	rec.Decision = "discard"
	rec.Error = "mutation: disable phase: 1 rules failed"
	require.NoError(t, st.RecordRun(ctx, rec, nil))

	got, err := st.GetRun(ctx, "run-err")
	require.NoError(t, err)
	require.Equal(t, "discard", got.Decision)
	require.Contains(t, got.Error, "disable phase")
}

func TestListRunsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		rec := sampleRun(id, base.AddDate(0, 0, i))
		rec.Rules = nil
		require.NoError(t, st.RecordRun(ctx, rec, nil))
	}

	runs, err := st.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-c", runs[0].ID)
	require.Equal(t, "run-b", runs[1].ID)

	all, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestGetRunNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRunCommitsEventsAtomically(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := sampleRun("run-ev", time.Now().UTC())
	rec.Rules = nil
	evts := []PhaseEvent{
		{Type: "run.start", Payload: events.Payload{"mode": "run"}},
		{Type: "phase.disable", Payload: events.Payload{"succeeded": 2, "failed": 0}},
		{Type: "run.done", Payload: events.Payload{"decision": "publish"}},
	}
	require.NoError(t, st.RecordRun(ctx, rec, evts))

	var n int
	require.NoError(t, st.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id=?`, "run-ev").Scan(&n))
	require.Equal(t, 3, n)

	var payload string
	require.NoError(t, st.DB.QueryRow(
		`SELECT payload_json FROM events WHERE run_id=? AND type=?`, "run-ev", "phase.disable").Scan(&payload))
	require.JSONEq(t, `{"succeeded":2,"failed":0}`, payload)
}
