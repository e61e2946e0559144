package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rulejanitor/internal/config"
	"rulejanitor/internal/domain"
	"rulejanitor/internal/mgmt"
)

var fixedNow = time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

// fakeClient is a scripted ManagementClient recording every call.
type fakeClient struct {
	rules []domain.Rule

	loginErr   error
	fetchErr   error
	disableErr map[string]error
	deleteErr  map[string]error
	publishErr error
	waitErr    error
	discardErr error
	logoutErr  error

	fetchWindows []time.Time
	loggedIn     bool
	loggedOut    bool
	disabled     map[string]time.Time
	deleted      []string
	published    bool
	discarded    bool
}

func (f *fakeClient) Login(ctx context.Context, user, password string) (*mgmt.Session, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.loggedIn = true
	return &mgmt.Session{ID: "sid", State: mgmt.SessionOpen}, nil
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.loggedOut = true
	return f.logoutErr
}

func (f *fakeClient) Publish(ctx context.Context) (string, error) {
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published = true
	return "task-1", nil
}

func (f *fakeClient) WaitForTask(ctx context.Context, taskID string) error { return f.waitErr }

func (f *fakeClient) Discard(ctx context.Context) error {
	if f.discardErr != nil {
		return f.discardErr
	}
	f.discarded = true
	return nil
}

func (f *fakeClient) FetchRulebase(ctx context.Context, layer string, hitsFrom time.Time) ([]domain.Rule, error) {
	f.fetchWindows = append(f.fetchWindows, hitsFrom)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rules, nil
}

func (f *fakeClient) DisableRule(ctx context.Context, layer, uid string, date time.Time) error {
	if err := f.disableErr[uid]; err != nil {
		return err
	}
	if f.disabled == nil {
		f.disabled = map[string]time.Time{}
	}
	f.disabled[uid] = date
	return nil
}

func (f *fakeClient) DeleteRule(ctx context.Context, layer, uid string) error {
	if err := f.deleteErr[uid]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, uid)
	return nil
}

// sampleRules covers all three classifications: a stale enabled rule, an
// active rule, and a rule disabled past the 12 month retention threshold.
func sampleRules() []domain.Rule {
	return []domain.Rule{
		{UID: "u-stale", Name: "stale", RuleNumber: 1, Enabled: true, HitCount: 0},
		{UID: "u-active", Name: "active", RuleNumber: 2, Enabled: true, HitCount: 10},
		{UID: "u-old", Name: "retired", RuleNumber: 3, Enabled: false,
			DisableDate: fixedNow.AddDate(0, -14, 0)},
	}
}

func newTestEngine(f *fakeClient) *Engine {
	cfg := config.Default()
	cfg.Server.Host = "mgmt.example.net"
	cfg.Policy.Layer = "Network"
	cfg.Windows.DisableAfterMonths = 6
	cfg.Windows.DeleteAfterMonths = 12
	e := New(f, cfg)
	e.Now = func() time.Time { return fixedNow }
	return e
}

func TestRunDryRunClassifiesWithoutMutating(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", DryRun: true})
	require.NoError(t, err)

	require.Equal(t, 3, res.Fetched)
	require.Len(t, res.Set.ToDisable, 1)
	require.Equal(t, "u-stale", res.Set.ToDisable[0].UID)
	require.Len(t, res.Set.ToDelete, 1)
	require.Equal(t, "u-old", res.Set.ToDelete[0].UID)

	require.Empty(t, f.disabled)
	require.Empty(t, f.deleted)
	require.False(t, f.published)
	require.False(t, f.discarded)
	require.Equal(t, DecisionNone, res.Decision)
	require.True(t, f.loggedOut)
}

func TestRunScopesHitWindowThenRefetchesUnscoped(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)

	_, err := e.Run(context.Background(), RunOptions{User: "admin", DryRun: true})
	require.NoError(t, err)

	require.Len(t, f.fetchWindows, 2)
	require.Equal(t, fixedNow.AddDate(0, -6, 0), f.fetchWindows[0])
	require.True(t, f.fetchWindows[1].IsZero(), "delete pass must fetch unscoped")
}

func TestRunWithoutCommitDiscards(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin"})
	require.NoError(t, err)

	require.Len(t, f.disabled, 1)
	require.Equal(t, []string{"u-old"}, f.deleted)
	require.False(t, f.published)
	require.True(t, f.discarded)
	require.Equal(t, DecisionDiscard, res.Decision)
	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "--commit")
}

func TestRunCommitPublishes(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.NoError(t, err)

	require.True(t, f.published)
	require.False(t, f.discarded)
	require.Equal(t, DecisionPublish, res.Decision)
	require.Equal(t, "task-1", res.PublishTaskID)
	require.True(t, f.loggedOut)
}

func TestRunDisableStampsCurrentDate(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)

	_, err := e.Run(context.Background(), RunOptions{User: "admin"})
	require.NoError(t, err)
	require.Equal(t, fixedNow, f.disabled["u-stale"])
}

func TestRunPartialFailureDiscardsEvenWithCommit(t *testing.T) {
	f := &fakeClient{
		rules:      sampleRules(),
		disableErr: map[string]error{"u-stale": errors.New("set-access-rule refused")},
	}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.Error(t, err)

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, "disable", partial.Phase)
	require.Equal(t, "mutation", res.ErrKind)

	// A failing disable phase still runs the delete phase; the error only
	// gates the commit decision.
	require.Equal(t, []string{"u-old"}, f.deleted)
	require.False(t, f.published)
	require.True(t, f.discarded)
	require.Equal(t, DecisionDiscard, res.Decision)
	require.True(t, f.loggedOut)
}

func TestRunConfirmDeclinedSkipsPhase(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)
	e.Confirm = func(summary string) bool {
		return !strings.HasPrefix(summary, "disable")
	}

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.NoError(t, err)

	require.True(t, res.DisableSkipped)
	require.Nil(t, res.DisableOutcome)
	require.Empty(t, f.disabled)
	require.Equal(t, []string{"u-old"}, f.deleted)
	require.True(t, f.published)
}

func TestRunSkipFlagsSuppressPhases(t *testing.T) {
	f := &fakeClient{rules: sampleRules()}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{
		User: "admin", Commit: true, SkipDisable: true, SkipDelete: true,
	})
	require.NoError(t, err)

	require.Empty(t, f.disabled)
	require.Empty(t, f.deleted)
	require.Equal(t, DecisionNone, res.Decision)
	// Skipping deletion drops the second, unscoped fetch pass too.
	require.Len(t, f.fetchWindows, 1)
}

func TestRunFetchFailureClosesSessionWithoutDiscard(t *testing.T) {
	f := &fakeClient{
		rules:    sampleRules(),
		fetchErr: &mgmt.PaginationError{Reason: "total changed"},
	}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.Error(t, err)
	require.Equal(t, "fetch", res.ErrKind)
	require.Equal(t, DecisionNone, res.Decision)
	require.False(t, f.discarded, "nothing was mutated, nothing to roll back")
	require.True(t, f.loggedOut)
}

func TestRunLoginFailure(t *testing.T) {
	f := &fakeClient{loginErr: &mgmt.AuthError{Err: errors.New("bad credentials")}}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin"})
	require.Error(t, err)
	require.Equal(t, "authentication", res.ErrKind)
	require.False(t, f.loggedOut)
	require.Empty(t, f.fetchWindows)
}

func TestRunPublishWaitTimeoutIsNotFatal(t *testing.T) {
	f := &fakeClient{
		rules:   sampleRules(),
		waitErr: &mgmt.PublishTimeoutError{TaskID: "task-1"},
	}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.NoError(t, err, "mutations are committed once publish is accepted")
	require.Equal(t, DecisionPublish, res.Decision)
	require.NotEmpty(t, res.Warnings)
}

func TestRunFailedPublishFallsBackToDiscard(t *testing.T) {
	f := &fakeClient{
		rules:      sampleRules(),
		publishErr: &mgmt.PublishError{Err: errors.New("validation failed")},
	}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.Error(t, err)
	require.Equal(t, "publish", res.ErrKind)
	require.True(t, f.discarded)
	require.Equal(t, DecisionDiscard, res.Decision)
}

func TestRunLogoutFailureIsWarningOnly(t *testing.T) {
	f := &fakeClient{
		rules:     sampleRules(),
		logoutErr: &mgmt.LogoutError{Err: errors.New("connection reset")},
	}
	e := newTestEngine(f)

	res, err := e.Run(context.Background(), RunOptions{User: "admin", Commit: true})
	require.NoError(t, err)
	require.Equal(t, DecisionPublish, res.Decision)
	require.NotEmpty(t, res.Warnings)
}

func TestErrKindTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{&mgmt.AuthError{Err: errors.New("x")}, "authentication"},
		{&mgmt.ConnectError{Err: errors.New("x")}, "connectivity"},
		{&mgmt.PaginationError{Reason: "x"}, "fetch"},
		{&PartialFailureError{Phase: "disable"}, "mutation"},
		{&mgmt.PublishError{Err: errors.New("x")}, "publish"},
		{&mgmt.PublishTimeoutError{TaskID: "t"}, "publish-timeout"},
		{&mgmt.DiscardError{Err: errors.New("x")}, "discard"},
		{&mgmt.LogoutError{Err: errors.New("x")}, "logout"},
		{errors.New("plain"), "error"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, errKind(tc.err))
	}
}
