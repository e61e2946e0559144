package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rulejanitor/internal/config"
	"rulejanitor/internal/domain"
	"rulejanitor/internal/logger"
	"rulejanitor/internal/mgmt"
	"rulejanitor/internal/store"
)

// ManagementClient is the slice of the management API the engine drives.
// *mgmt.Client implements it; tests substitute a scripted fake.
type ManagementClient interface {
	Login(ctx context.Context, user, password string) (*mgmt.Session, error)
	Logout(ctx context.Context) error
	Publish(ctx context.Context) (string, error)
	WaitForTask(ctx context.Context, taskID string) error
	Discard(ctx context.Context) error
	FetchRulebase(ctx context.Context, layer string, hitsFrom time.Time) ([]domain.Rule, error)
	DisableRule(ctx context.Context, layer, uid string, date time.Time) error
	DeleteRule(ctx context.Context, layer, uid string) error
}

// ConfirmFunc is the injected operator decision point, called once per
// mutation phase with a human-readable summary. Returning false skips the
// phase; it is a plain branch, not an error path.
type ConfirmFunc func(summary string) bool

// Engine runs the rule-lifecycle session end to end.
type Engine struct {
	Client  ManagementClient
	Store   *store.Store // optional; nil disables the local audit trail
	Config  *config.Config
	Log     logger.Logger
	Now     func() time.Time
	Confirm ConfirmFunc
}

// New builds an engine with safe defaults for the injectable parts.
func New(client ManagementClient, cfg *config.Config) *Engine {
	return &Engine{
		Client:  client,
		Config:  cfg,
		Log:     logger.Nop(),
		Now:     time.Now,
		Confirm: func(string) bool { return true },
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) confirm(summary string) bool {
	if e.Confirm == nil {
		return true
	}
	return e.Confirm(summary)
}

// Decision is the session outcome chosen after classification and mutation.
type Decision string

const (
	// DecisionNone: nothing was mutated, the session was simply closed.
	DecisionNone    Decision = "none"
	DecisionPublish Decision = "publish"
	DecisionDiscard Decision = "discard"
)

// RunOptions are the validated parameters handed in by the CLI layer.
type RunOptions struct {
	User     string
	Password string

	// Mode labels the run in the audit trail: "run", "dry-run" or "report".
	Mode string

	DryRun      bool
	Commit      bool
	SkipDisable bool
	SkipDelete  bool
}

// RunResult is the explicit run-state value threaded through every phase in
// place of shared error flags.
type RunResult struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Fetched    int              `json:"fetched"`
	Set        domain.ActionSet `json:"set"`

	DisableOutcome *domain.MutationOutcome `json:"disable_outcome,omitempty"`
	DeleteOutcome  *domain.MutationOutcome `json:"delete_outcome,omitempty"`
	DisableSkipped bool                    `json:"disable_skipped,omitempty"`
	DeleteSkipped  bool                    `json:"delete_skipped,omitempty"`

	Decision      Decision `json:"decision"`
	PublishTaskID string   `json:"publish_task_id,omitempty"`

	Err      error    `json:"-"`
	ErrKind  string   `json:"error_kind,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Mutated reports whether any remote change was attempted.
func (r *RunResult) Mutated() bool {
	return r.DisableOutcome != nil || r.DeleteOutcome != nil
}

func (r *RunResult) hadMutationError() bool {
	return r.DisableOutcome.HadError() || r.DeleteOutcome.HadError()
}

// PartialFailureError reports that some rules in a mutation batch failed.
// It does not abort the batch; it forces the discard decision.
type PartialFailureError struct {
	Phase  string
	Failed int
	First  error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s phase: %d rules failed (first: %v)", e.Phase, e.Failed, e.First)
}

func (e *PartialFailureError) Unwrap() error { return e.First }

// errKind maps an error to the user-facing failure taxonomy.
func errKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		authErr    *mgmt.AuthError
		connErr    *mgmt.ConnectError
		pageErr    *mgmt.PaginationError
		partialErr *PartialFailureError
		publishErr *mgmt.PublishError
		pubTimeout *mgmt.PublishTimeoutError
		discardErr *mgmt.DiscardError
		logoutErr  *mgmt.LogoutError
	)
	switch {
	case errors.As(err, &authErr):
		return "authentication"
	case errors.As(err, &connErr):
		return "connectivity"
	case errors.As(err, &pageErr):
		return "fetch"
	case errors.As(err, &partialErr):
		return "mutation"
	case errors.As(err, &pubTimeout):
		return "publish-timeout"
	case errors.As(err, &publishErr):
		return "publish"
	case errors.As(err, &discardErr):
		return "discard"
	case errors.As(err, &logoutErr):
		return "logout"
	}
	return "error"
}
