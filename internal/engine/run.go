package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rulejanitor/internal/domain"
	"rulejanitor/internal/logger"
)

// Run executes one full lifecycle session: login, fetch, classify, mutate,
// commit decision, logout. The returned RunResult is complete even when err
// is non-nil; err equals RunResult.Err.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.Mode == "" {
		if opts.DryRun {
			opts.Mode = "dry-run"
		} else {
			opts.Mode = "run"
		}
	}
	res := &RunResult{
		ID:        uuid.NewString(),
		StartedAt: e.now(),
		Decision:  DecisionNone,
	}
	layer := e.Config.Policy.Layer
	e.Log.Info("run starting",
		logger.String("run", res.ID),
		logger.String("layer", layer),
		logger.String("mode", opts.Mode))

	if _, err := e.Client.Login(ctx, opts.User, opts.Password); err != nil {
		res.Err = err
		return e.finish(ctx, res, opts)
	}

	// Both fetch passes happen before any mutation, so a fetch failure
	// leaves nothing to roll back: log out and report.
	if err := e.classify(ctx, res, opts); err != nil {
		res.Err = err
		e.logout(ctx, res)
		return e.finish(ctx, res, opts)
	}

	if opts.DryRun {
		e.Log.Info("dry run, no mutations",
			logger.Int("disable_candidates", len(res.Set.ToDisable)),
			logger.Int("delete_candidates", len(res.Set.ToDelete)))
		e.logout(ctx, res)
		return e.finish(ctx, res, opts)
	}

	e.mutate(ctx, res, opts, layer)
	e.decide(ctx, res, opts)
	e.logout(ctx, res)
	return e.finish(ctx, res, opts)
}

// classify runs the two fetch passes and partitions the rulebase. The first
// pass scopes hit counts to the disable window; the delete evaluation needs
// an unscoped refetch so old hits do not hide behind the window.
func (e *Engine) classify(ctx context.Context, res *RunResult, opts RunOptions) error {
	cfg := e.Config
	hitsFrom := e.now().AddDate(0, -cfg.Windows.DisableAfterMonths, 0)
	rules, err := e.Client.FetchRulebase(ctx, cfg.Policy.Layer, hitsFrom)
	if err != nil {
		return err
	}
	res.Fetched = len(rules)
	res.Set.ToDisable = domain.ClassifyForDisable(rules)

	if cfg.Windows.DeleteAfterMonths > 0 && !opts.SkipDelete {
		all, err := e.Client.FetchRulebase(ctx, cfg.Policy.Layer, time.Time{})
		if err != nil {
			return err
		}
		res.Set.ToDelete = domain.ClassifyForDelete(all, cfg.Windows.DeleteAfterMonths, e.now())
	}
	e.Log.Info("rules classified",
		logger.Int("fetched", res.Fetched),
		logger.Int("to_disable", len(res.Set.ToDisable)),
		logger.Int("to_delete", len(res.Set.ToDelete)))
	return nil
}

// mutate runs the disable and delete phases. Each phase asks the operator
// once; a per-rule failure never aborts its batch, and a failing disable
// phase does not suppress the delete phase — the error only gates the
// commit decision afterwards.
func (e *Engine) mutate(ctx context.Context, res *RunResult, opts RunOptions, layer string) {
	if !opts.SkipDisable && len(res.Set.ToDisable) > 0 {
		summary := fmt.Sprintf("disable %d unused rules in layer %q", len(res.Set.ToDisable), layer)
		if e.confirm(summary) {
			out := e.disableBatch(ctx, layer, res.Set.ToDisable)
			res.DisableOutcome = &out
		} else {
			res.DisableSkipped = true
			e.Log.Info("disable phase cancelled by operator")
		}
	}
	if !opts.SkipDelete && len(res.Set.ToDelete) > 0 {
		summary := fmt.Sprintf("delete %d long-disabled rules from layer %q", len(res.Set.ToDelete), layer)
		if e.confirm(summary) {
			out := e.deleteBatch(ctx, layer, res.Set.ToDelete)
			res.DeleteOutcome = &out
		} else {
			res.DeleteSkipped = true
			e.Log.Info("delete phase cancelled by operator")
		}
	}
}

func (e *Engine) disableBatch(ctx context.Context, layer string, rules []domain.Rule) domain.MutationOutcome {
	var out domain.MutationOutcome
	date := e.now()
	for _, r := range rules {
		err := e.Client.DisableRule(ctx, layer, r.UID, date)
		out.Record(r.UID, err)
		if err != nil {
			e.Log.Warn("disable failed", logger.String("uid", r.UID), logger.Error(err))
		}
	}
	e.Log.Info("disable phase done",
		logger.Int("succeeded", len(out.Succeeded)),
		logger.Int("failed", len(out.Failed)))
	return out
}

func (e *Engine) deleteBatch(ctx context.Context, layer string, rules []domain.Rule) domain.MutationOutcome {
	var out domain.MutationOutcome
	for _, r := range rules {
		err := e.Client.DeleteRule(ctx, layer, r.UID)
		out.Record(r.UID, err)
		if err != nil {
			e.Log.Warn("delete failed", logger.String("uid", r.UID), logger.Error(err))
		}
	}
	e.Log.Info("delete phase done",
		logger.Int("succeeded", len(out.Succeeded)),
		logger.Int("failed", len(out.Failed)))
	return out
}

// decide owns the transactional invariant: publish only when the operator
// asked for it and every attempted mutation succeeded; any failure reverts
// the whole session.
func (e *Engine) decide(ctx context.Context, res *RunResult, opts RunOptions) {
	switch {
	case res.hadMutationError():
		res.Err = e.partialFailure(res)
		e.discard(ctx, res)
	case res.Mutated() && opts.Commit:
		e.publish(ctx, res)
	case res.Mutated():
		// Mutations staged without --commit: revert so the layer lock is
		// released rather than leaving the session half-open.
		e.discard(ctx, res)
		res.Warnings = append(res.Warnings, "changes were discarded; re-run with --commit to publish")
	default:
		res.Decision = DecisionNone
	}
}

func (e *Engine) partialFailure(res *RunResult) error {
	if res.DisableOutcome.HadError() {
		return &PartialFailureError{
			Phase:  "disable",
			Failed: len(res.DisableOutcome.Failed),
			First:  res.DisableOutcome.FirstErr,
		}
	}
	return &PartialFailureError{
		Phase:  "delete",
		Failed: len(res.DeleteOutcome.Failed),
		First:  res.DeleteOutcome.FirstErr,
	}
}

func (e *Engine) publish(ctx context.Context, res *RunResult) {
	taskID, err := e.Client.Publish(ctx)
	if err != nil {
		res.Err = err
		e.discard(ctx, res)
		return
	}
	res.Decision = DecisionPublish
	res.PublishTaskID = taskID
	if err := e.Client.WaitForTask(ctx, taskID); err != nil {
		// The task keeps running server-side; the mutations are committed.
		// Surface the wait failure without flipping the run into an error.
		res.Warnings = append(res.Warnings, err.Error())
		e.Log.Warn("publish wait ended early", logger.Error(err))
	}
}

func (e *Engine) discard(ctx context.Context, res *RunResult) {
	res.Decision = DecisionDiscard
	if err := e.Client.Discard(ctx); err != nil {
		// No automated recovery past a failed discard; the operator must
		// inspect the session on the server. Never mask an earlier error.
		e.Log.Error("discard failed, manual intervention required", logger.Error(err))
		if res.Err == nil {
			res.Err = err
		} else {
			res.Warnings = append(res.Warnings, err.Error())
		}
	}
}

// logout is always attempted; its failure is reported but never promoted to
// the run's error, so it cannot mask a committed policy change.
func (e *Engine) logout(ctx context.Context, res *RunResult) {
	if err := e.Client.Logout(ctx); err != nil {
		e.Log.Warn("logout failed", logger.Error(err))
		res.Warnings = append(res.Warnings, err.Error())
	}
}

// finish stamps the result, persists the audit trail, and normalizes the
// (result, error) pair.
func (e *Engine) finish(ctx context.Context, res *RunResult, opts RunOptions) (*RunResult, error) {
	res.FinishedAt = e.now()
	res.ErrKind = errKind(res.Err)
	if res.Err != nil {
		e.Log.Error("run failed",
			logger.String("run", res.ID),
			logger.String("kind", res.ErrKind),
			logger.Error(res.Err))
	} else {
		e.Log.Info("run finished",
			logger.String("run", res.ID),
			logger.String("decision", string(res.Decision)))
	}
	if err := e.record(ctx, res, opts); err != nil {
		e.Log.Warn("could not record run history", logger.Error(err))
	}
	return res, res.Err
}
