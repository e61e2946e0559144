package engine

import (
	"context"

	"rulejanitor/internal/domain"
	"rulejanitor/internal/events"
	"rulejanitor/internal/store"
)

// record writes the run, its per-rule outcomes, and the phase diary to the
// local history database. Absence of a store just means no audit trail.
func (e *Engine) record(ctx context.Context, res *RunResult, opts RunOptions) error {
	if e.Store == nil {
		return nil
	}
	rec := store.RunRecord{
		ID:                 res.ID,
		Server:             e.Config.Server.Host,
		Layer:              e.Config.Policy.Layer,
		Mode:               opts.Mode,
		DisableAfterMonths: e.Config.Windows.DisableAfterMonths,
		DeleteAfterMonths:  e.Config.Windows.DeleteAfterMonths,
		Fetched:            res.Fetched,
		Decision:           string(res.Decision),
		StartedAt:          res.StartedAt,
		FinishedAt:         res.FinishedAt,
	}
	if res.Err != nil {
		rec.Error = res.ErrKind + ": " + res.Err.Error()
	}
	rec.Rules = append(rec.Rules,
		ruleRecords(res.Set.ToDisable, "disable", res.DisableOutcome, res.DisableSkipped)...)
	rec.Rules = append(rec.Rules,
		ruleRecords(res.Set.ToDelete, "delete", res.DeleteOutcome, res.DeleteSkipped)...)

	evts := []store.PhaseEvent{
		{Type: "run.start", Payload: events.Payload{"mode": opts.Mode, "layer": rec.Layer}},
		{Type: "fetch.done", Payload: events.Payload{
			"fetched":    res.Fetched,
			"to_disable": len(res.Set.ToDisable),
			"to_delete":  len(res.Set.ToDelete),
		}},
	}
	if res.DisableOutcome != nil || res.DisableSkipped {
		evts = append(evts, store.PhaseEvent{Type: "phase.disable", Payload: phasePayload(res.DisableOutcome, res.DisableSkipped)})
	}
	if res.DeleteOutcome != nil || res.DeleteSkipped {
		evts = append(evts, store.PhaseEvent{Type: "phase.delete", Payload: phasePayload(res.DeleteOutcome, res.DeleteSkipped)})
	}
	evts = append(evts, store.PhaseEvent{Type: "run.done", Payload: events.Payload{
		"decision": string(res.Decision),
		"error":    rec.Error,
	}})
	return e.Store.RecordRun(ctx, rec, evts)
}

func ruleRecords(rules []domain.Rule, action string, out *domain.MutationOutcome, skipped bool) []store.RuleRecord {
	failed := make(map[string]bool)
	if out != nil {
		for _, uid := range out.Failed {
			failed[uid] = true
		}
	}
	recs := make([]store.RuleRecord, 0, len(rules))
	for _, r := range rules {
		rec := store.RuleRecord{
			UID:        r.UID,
			Name:       r.Name,
			RuleNumber: r.RuleNumber,
			Action:     action,
		}
		switch {
		case out == nil && skipped:
			rec.Outcome = "skipped"
		case out == nil:
			rec.Outcome = "planned"
		case failed[r.UID]:
			rec.Outcome = "failed"
			if out.FirstErr != nil {
				rec.Error = out.FirstErr.Error()
			}
		default:
			rec.Outcome = "ok"
		}
		recs = append(recs, rec)
	}
	return recs
}

func phasePayload(out *domain.MutationOutcome, skipped bool) events.Payload {
	if skipped {
		return events.Payload{"skipped": true}
	}
	return events.Payload{
		"succeeded": len(out.Succeeded),
		"failed":    len(out.Failed),
	}
}
