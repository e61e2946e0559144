package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"rulejanitor/internal/domain"
	"rulejanitor/internal/store"
)

const dateLayout = "2006-01-02"

// RenderRules prints one candidate list as a table. Silent on empty input
// beyond a one-line note so reports stay scannable.
func RenderRules(w io.Writer, title string, rules []domain.Rule) {
	if len(rules) == 0 {
		fmt.Fprintf(w, "%s: none\n", title)
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"#", "Name", "Hits", "Enabled", "Disabled On", "Source", "Destination", "Service", "Action", "Comments"})
	for _, r := range rules {
		disabledOn := ""
		if !r.DisableDate.IsZero() {
			disabledOn = r.DisableDate.Format(dateLayout)
		}
		t.AppendRow(table.Row{
			r.RuleNumber,
			r.Name,
			r.HitCount,
			r.Enabled,
			disabledOn,
			joinShort(r.Sources),
			joinShort(r.Destinations),
			joinShort(r.Services),
			r.Action,
			truncate(r.Comments, 40),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// RenderOutcome prints the per-phase mutation result.
func RenderOutcome(w io.Writer, phase string, out *domain.MutationOutcome, skipped bool) {
	switch {
	case skipped:
		fmt.Fprintf(w, "%s phase: cancelled by operator\n", phase)
	case out == nil:
		fmt.Fprintf(w, "%s phase: not run\n", phase)
	case out.HadError():
		fmt.Fprintf(w, "%s phase: %d succeeded, %d FAILED (first error: %v)\n",
			phase, len(out.Succeeded), len(out.Failed), out.FirstErr)
	default:
		fmt.Fprintf(w, "%s phase: %d succeeded\n", phase, len(out.Succeeded))
	}
}

// RenderHistory prints past runs.
func RenderHistory(w io.Writer, runs []store.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Run", "Started", "Layer", "Mode", "Fetched", "Decision", "Error"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			r.Layer,
			r.Mode,
			r.Fetched,
			r.Decision,
			truncate(r.Error, 48),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// RenderRunDetail prints one run's per-rule outcomes.
func RenderRunDetail(w io.Writer, rec store.RunRecord) {
	fmt.Fprintf(w, "run %s on %s layer %q (%s): fetched %d, decision %s\n",
		rec.ID, rec.Server, rec.Layer, rec.Mode, rec.Fetched, rec.Decision)
	if rec.Error != "" {
		fmt.Fprintf(w, "error: %s\n", rec.Error)
	}
	if len(rec.Rules) == 0 {
		fmt.Fprintln(w, "no candidate rules")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Name", "UID", "Phase", "Outcome", "Error"})
	for _, r := range rec.Rules {
		t.AppendRow(table.Row{r.RuleNumber, r.Name, r.UID, r.Action, r.Outcome, truncate(r.Error, 48)})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// WriteCSV exports candidate rules with their descriptive attributes, one
// row per rule, tagged with the phase they qualify for.
func WriteCSV(w io.Writer, set domain.ActionSet) error {
	cw := csv.NewWriter(w)
	header := []string{"phase", "rule_number", "name", "uid", "hits", "enabled", "disabled_on",
		"source", "destination", "service", "action", "track", "install_on", "comments",
		"created_by", "created_at", "modified_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	write := func(phase string, rules []domain.Rule) error {
		for _, r := range rules {
			disabledOn := ""
			if !r.DisableDate.IsZero() {
				disabledOn = r.DisableDate.Format(dateLayout)
			}
			row := []string{
				phase,
				strconv.Itoa(r.RuleNumber),
				r.Name,
				r.UID,
				strconv.Itoa(r.HitCount),
				strconv.FormatBool(r.Enabled),
				disabledOn,
				strings.Join(r.Sources, ";"),
				strings.Join(r.Destinations, ";"),
				strings.Join(r.Services, ";"),
				r.Action,
				r.Track,
				strings.Join(r.InstallOn, ";"),
				r.Comments,
				r.CreatedBy,
				formatTime(r.CreatedAt),
				formatTime(r.ModifiedAt),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write("disable", set.ToDisable); err != nil {
		return err
	}
	if err := write("delete", set.ToDelete); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON exports any result value with stable indentation.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinShort(items []string) string {
	return truncate(strings.Join(items, ", "), 32)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
