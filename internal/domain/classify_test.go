package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func monthsAgo(n int) time.Time { return now.AddDate(0, -n, 0) }

func TestClassifyForDisable(t *testing.T) {
	rules := []Rule{
		{UID: "b", RuleNumber: 2, Enabled: true, HitCount: 0},
		{UID: "a", RuleNumber: 1, Enabled: true, HitCount: 5},
		{UID: "c", RuleNumber: 3, Enabled: false, HitCount: 0},
		{UID: "d", RuleNumber: 4, Enabled: true, HitCount: 0},
	}
	got := ClassifyForDisable(rules)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].UID)
	require.Equal(t, "d", got[1].UID)
}

func TestClassifyForDisableSortsByRuleNumber(t *testing.T) {
	rules := []Rule{
		{UID: "x", RuleNumber: 9, Enabled: true},
		{UID: "y", RuleNumber: 1, Enabled: true},
		{UID: "z", RuleNumber: 4, Enabled: true},
	}
	got := ClassifyForDisable(rules)
	require.Equal(t, []string{"y", "z", "x"}, []string{got[0].UID, got[1].UID, got[2].UID})
}

func TestClassifyForDeleteStrictBoundary(t *testing.T) {
	threshold := 3
	cutoff := now.AddDate(0, -threshold, 0)
	rules := []Rule{
		{UID: "older", RuleNumber: 1, Enabled: false, DisableDate: cutoff.Add(-24 * time.Hour)},
		{UID: "exact", RuleNumber: 2, Enabled: false, DisableDate: cutoff},
		{UID: "newer", RuleNumber: 3, Enabled: false, DisableDate: cutoff.Add(24 * time.Hour)},
	}
	got := ClassifyForDelete(rules, threshold, now)
	require.Len(t, got, 1, "boundary date must be excluded, strictly earlier qualifies")
	require.Equal(t, "older", got[0].UID)
}

func TestClassifyForDeleteIgnoresRulesWithoutAuditDate(t *testing.T) {
	rules := []Rule{
		// Disabled by hand or before the audit field existed: no evidence,
		// never a candidate.
		{UID: "no-date", RuleNumber: 1, Enabled: false},
		{UID: "enabled-old-date", RuleNumber: 2, Enabled: true, DisableDate: monthsAgo(12)},
		{UID: "eligible", RuleNumber: 3, Enabled: false, DisableDate: monthsAgo(12)},
	}
	got := ClassifyForDelete(rules, 3, now)
	require.Len(t, got, 1)
	require.Equal(t, "eligible", got[0].UID)
}

func TestCleanupScenario(t *testing.T) {
	// Disable window 2 months (applied by the fetch's hit scoping), delete
	// threshold 3 months.
	rules := []Rule{
		{UID: "A", Name: "stale", RuleNumber: 1, Enabled: true, HitCount: 0},
		{UID: "B", Name: "active", RuleNumber: 2, Enabled: true, HitCount: 5},
		{UID: "C", Name: "retired", RuleNumber: 3, Enabled: false, DisableDate: monthsAgo(4)},
	}
	disable := ClassifyForDisable(rules)
	del := ClassifyForDelete(rules, 3, now)

	require.Len(t, disable, 1)
	require.Equal(t, "A", disable[0].UID)
	require.Len(t, del, 1)
	require.Equal(t, "C", del[0].UID)
}

func TestMutationOutcomeRecord(t *testing.T) {
	var out MutationOutcome
	require.False(t, out.HadError())

	out.Record("u1", nil)
	out.Record("u2", errBoom)
	out.Record("u3", errOther)
	out.Record("u4", nil)

	require.True(t, out.HadError())
	require.Equal(t, []string{"u1", "u4"}, out.Succeeded)
	require.Equal(t, []string{"u2", "u3"}, out.Failed)
	require.Equal(t, errBoom, out.FirstErr)
}

var (
	errBoom  = errSentinel("boom")
	errOther = errSentinel("other")
)

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
