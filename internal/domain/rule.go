package domain

import "time"

// Rule is one access rule of a policy layer as reported by the management
// server. HitCount is measured over whatever window the fetch applied.
type Rule struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	RuleNumber int    `json:"rule_number"`
	Enabled    bool   `json:"enabled"`
	HitCount   int    `json:"hit_count"`

	// DisableDate is the date this tool disabled the rule, read back from the
	// custom audit field. Zero when the field is unset or the rule was
	// disabled outside rulejanitor. Only meaningful while Enabled is false.
	DisableDate time.Time `json:"disable_date,omitempty"`

	// Reporting-only attributes.
	Sources      []string  `json:"sources,omitempty"`
	Destinations []string  `json:"destinations,omitempty"`
	Services     []string  `json:"services,omitempty"`
	Action       string    `json:"action,omitempty"`
	Track        string    `json:"track,omitempty"`
	InstallOn    []string  `json:"install_on,omitempty"`
	Comments     string    `json:"comments,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	ModifiedAt   time.Time `json:"modified_at,omitempty"`
}

// ActionSet is the result of classifying a fetched rulebase: disjoint
// candidate lists for the two mutation phases. Computed once, consumed once.
type ActionSet struct {
	ToDisable []Rule `json:"to_disable"`
	ToDelete  []Rule `json:"to_delete"`
}

// Empty reports whether no rule qualifies for either phase.
func (s ActionSet) Empty() bool {
	return len(s.ToDisable) == 0 && len(s.ToDelete) == 0
}

// MutationOutcome collects per-rule results of one disable or delete batch.
// A failing rule never aborts the batch; every uid is attempted exactly once.
type MutationOutcome struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	FirstErr  error    `json:"-"`
}

// Record files the result of a single mutation.
func (o *MutationOutcome) Record(uid string, err error) {
	if err == nil {
		o.Succeeded = append(o.Succeeded, uid)
		return
	}
	o.Failed = append(o.Failed, uid)
	if o.FirstErr == nil {
		o.FirstErr = err
	}
}

// HadError reports whether any rule in the batch failed.
func (o *MutationOutcome) HadError() bool {
	return o != nil && len(o.Failed) > 0
}
