package domain

import (
	"sort"
	"time"
)

// ClassifyForDisable returns the rules that are enabled yet matched no
// traffic over the fetched hit window. Sorted by rule number for stable
// reporting; the order carries no other meaning.
func ClassifyForDisable(rules []Rule) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Enabled && r.HitCount == 0 {
			out = append(out, r)
		}
	}
	sortByNumber(out)
	return out
}

// ClassifyForDelete returns the rules that were disabled by this tool
// strictly more than thresholdMonths before now. A disabled rule without a
// recorded disable date is never a candidate: absence of the audit field is
// not evidence of eligibility.
func ClassifyForDelete(rules []Rule, thresholdMonths int, now time.Time) []Rule {
	cutoff := now.AddDate(0, -thresholdMonths, 0)
	var out []Rule
	for _, r := range rules {
		if r.Enabled || r.DisableDate.IsZero() {
			continue
		}
		if r.DisableDate.Before(cutoff) {
			out = append(out, r)
		}
	}
	sortByNumber(out)
	return out
}

func sortByNumber(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleNumber < rules[j].RuleNumber })
}
