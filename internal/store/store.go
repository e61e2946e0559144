package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rulejanitor/internal/events"
)

// Store is the run-history repository backing `rj history` and the local
// audit trail.
type Store struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

// RuleRecord is one classified rule inside a run, with its per-rule outcome.
type RuleRecord struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	RuleNumber int    `json:"rule_number"`
	Action     string `json:"action"`  // disable | delete
	Outcome    string `json:"outcome"` // planned | ok | failed | skipped
	Error      string `json:"error,omitempty"`
}

// RunRecord is one invocation of the cleanup engine.
type RunRecord struct {
	ID                 string       `json:"id"`
	Server             string       `json:"server"`
	Layer              string       `json:"layer"`
	Mode               string       `json:"mode"` // run | dry-run | report
	DisableAfterMonths int          `json:"disable_after_months"`
	DeleteAfterMonths  int          `json:"delete_after_months"`
	Fetched            int          `json:"fetched"`
	Decision           string       `json:"decision"`
	Error              string       `json:"error,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
	Rules              []RuleRecord `json:"rules,omitempty"`
}

// PhaseEvent is a diary entry recorded alongside the run.
type PhaseEvent struct {
	Type    string
	Payload events.Payload
}

// RecordRun persists a completed run, its per-rule outcomes, and its phase
// diary in one transaction.
func (s Store) RecordRun(ctx context.Context, rec RunRecord, evts []PhaseEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs(id,server,layer,mode,disable_after_months,delete_after_months,fetched,decision,error,started_at,finished_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Server, rec.Layer, rec.Mode, rec.DisableAfterMonths, rec.DeleteAfterMonths,
		rec.Fetched, rec.Decision, nullable(rec.Error),
		rec.StartedAt.UTC().Format(time.RFC3339), rec.FinishedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, r := range rec.Rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_rules(run_id,uid,name,rule_number,action,outcome,error) VALUES (?,?,?,?,?,?,?)`,
			rec.ID, r.UID, r.Name, r.RuleNumber, r.Action, r.Outcome, nullable(r.Error)); err != nil {
			return fmt.Errorf("insert run rule %s: %w", r.UID, err)
		}
	}
	for _, e := range evts {
		if err := s.Events.Append(ctx, tx, e.Type, rec.ID, "run", rec.ID, e.Payload); err != nil {
			return fmt.Errorf("append event %s: %w", e.Type, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first, without rule detail.
func (s Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,server,layer,mode,disable_after_months,delete_after_months,fetched,decision,COALESCE(error,''),started_at,COALESCE(finished_at,'')
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun returns one run with its per-rule outcomes.
func (s Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,server,layer,mode,disable_after_months,delete_after_months,fetched,decision,COALESCE(error,''),started_at,COALESCE(finished_at,'')
		 FROM runs WHERE id=?`, id)
	if err != nil {
		return RunRecord{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return RunRecord{}, ErrNotFound
	}
	rec, err := scanRun(rows)
	if err != nil {
		return RunRecord{}, err
	}
	rec.Rules, err = s.runRules(ctx, id)
	return rec, err
}

func (s Store) runRules(ctx context.Context, runID string) ([]RuleRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT uid,name,rule_number,action,outcome,COALESCE(error,'') FROM run_rules WHERE run_id=? ORDER BY action, rule_number`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleRecord
	for rows.Next() {
		var r RuleRecord
		if err := rows.Scan(&r.UID, &r.Name, &r.RuleNumber, &r.Action, &r.Outcome, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(rows *sql.Rows) (RunRecord, error) {
	var (
		rec                 RunRecord
		startedAt, finished string
	)
	if err := rows.Scan(&rec.ID, &rec.Server, &rec.Layer, &rec.Mode, &rec.DisableAfterMonths,
		&rec.DeleteAfterMonths, &rec.Fetched, &rec.Decision, &rec.Error, &startedAt, &finished); err != nil {
		return rec, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finished != "" {
		rec.FinishedAt, _ = time.Parse(time.RFC3339, finished)
	}
	return rec, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
