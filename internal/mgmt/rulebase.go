package mgmt

import (
	"context"
	"fmt"
	"time"

	"rulejanitor/internal/domain"
	"rulejanitor/internal/logger"
)

// ruleBaseEpoch is the sentinel "since forever" start of the hit window,
// used when the caller wants hit counts unconstrained by the disable window.
var ruleBaseEpoch = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)

type namedObject struct {
	Name string `json:"name"`
}

type apiTimestamp struct {
	ISO8601 string `json:"iso-8601"`
	Posix   int64  `json:"posix"`
}

func (t apiTimestamp) time() time.Time {
	if t.Posix > 0 {
		// posix field is milliseconds
		return time.UnixMilli(t.Posix).UTC()
	}
	return time.Time{}
}

type accessRule struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	RuleNumber int    `json:"rule-number"`
	Enabled    bool   `json:"enabled"`
	Hits       struct {
		Value int `json:"value"`
	} `json:"hits"`
	CustomFields map[string]string `json:"custom-fields"`
	Source       []namedObject     `json:"source"`
	Destination  []namedObject     `json:"destination"`
	Service      []namedObject     `json:"service"`
	Action       namedObject       `json:"action"`
	Track        struct {
		Type namedObject `json:"type"`
	} `json:"track"`
	InstallOn []namedObject `json:"install-on"`
	Comments  string        `json:"comments"`
	MetaInfo  struct {
		Creator        string       `json:"creator"`
		CreationTime   apiTimestamp `json:"creation-time"`
		LastModifyTime apiTimestamp `json:"last-modify-time"`
	} `json:"meta-info"`
}

type rulebasePage struct {
	From     int          `json:"from"`
	To       int          `json:"to"`
	Total    int          `json:"total"`
	Rulebase []accessRule `json:"rulebase"`
}

// FetchRulebase drains the named layer page by page, with hit counts scoped
// to [hitsFrom, today]. A zero hitsFrom means the rule-base epoch, i.e. the
// unscoped fetch used to evaluate delete candidates.
//
// The offset-advance loop is guarded: if the reported total drifts between
// pages, a page fails to advance the cursor, a rule uid repeats, or the
// iteration count exceeds what the first total allows, the fetch fails with
// a PaginationError instead of spinning. Concurrent edits by another
// administrator surface here, fail-closed.
func (c *Client) FetchRulebase(ctx context.Context, layer string, hitsFrom time.Time) ([]domain.Rule, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	if hitsFrom.IsZero() {
		hitsFrom = ruleBaseEpoch
	}

	var (
		rules  []domain.Rule
		seen   = make(map[string]struct{})
		offset = 0
		total  = -1
	)
	for iter := 0; ; iter++ {
		page, err := c.fetchPage(ctx, layer, offset, hitsFrom)
		if err != nil {
			return nil, err
		}
		if total == -1 {
			total = page.Total
		} else if page.Total != total {
			return nil, &PaginationError{Reason: fmt.Sprintf(
				"total changed from %d to %d while fetching layer %q", total, page.Total, layer)}
		}
		if iter > total/c.pageSize+1 {
			return nil, &PaginationError{Reason: fmt.Sprintf(
				"page count exceeded %d rules at page size %d", total, c.pageSize)}
		}
		for _, raw := range page.Rulebase {
			if _, dup := seen[raw.UID]; dup {
				return nil, &PaginationError{Reason: "rule " + raw.UID + " returned twice"}
			}
			seen[raw.UID] = struct{}{}
			rules = append(rules, c.toDomainRule(raw))
		}
		if page.To >= total {
			break
		}
		if page.To <= offset {
			return nil, &PaginationError{Reason: fmt.Sprintf(
				"cursor stuck at offset %d of %d", offset, total)}
		}
		offset = page.To
		c.log.Debug("rulebase page fetched",
			logger.String("layer", layer),
			logger.Int("offset", offset),
			logger.Int("total", total))
	}
	if len(rules) != total {
		return nil, &PaginationError{Reason: fmt.Sprintf(
			"drained %d rules but server reported %d", len(rules), total)}
	}
	c.log.Info("rulebase fetched", logger.String("layer", layer), logger.Int("rules", len(rules)))
	return rules, nil
}

func (c *Client) fetchPage(ctx context.Context, layer string, offset int, hitsFrom time.Time) (*rulebasePage, error) {
	body := map[string]any{
		"name":                  layer,
		"offset":                offset,
		"limit":                 c.pageSize,
		"details-level":         "full",
		"use-object-dictionary": false,
		"show-hits":             true,
		"hits-settings": map[string]string{
			"from-date": hitsFrom.Format(dateLayout),
			"to-date":   c.Now().UTC().Format(dateLayout),
		},
	}
	var page rulebasePage
	if err := c.post(ctx, "show-access-rulebase", body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) toDomainRule(raw accessRule) domain.Rule {
	r := domain.Rule{
		UID:          raw.UID,
		Name:         raw.Name,
		RuleNumber:   raw.RuleNumber,
		Enabled:      raw.Enabled,
		HitCount:     raw.Hits.Value,
		Sources:      names(raw.Source),
		Destinations: names(raw.Destination),
		Services:     names(raw.Service),
		Action:       raw.Action.Name,
		Track:        raw.Track.Type.Name,
		InstallOn:    names(raw.InstallOn),
		Comments:     raw.Comments,
		CreatedBy:    raw.MetaInfo.Creator,
		CreatedAt:    raw.MetaInfo.CreationTime.time(),
		ModifiedAt:   raw.MetaInfo.LastModifyTime.time(),
	}
	// The audit field only carries meaning on disabled rules; an operator
	// re-enabling a rule by hand leaves the stale stamp behind.
	if !raw.Enabled {
		if stamp, ok := raw.CustomFields[c.auditField]; ok && stamp != "" {
			if d, err := time.ParseInLocation(dateLayout, stamp, time.UTC); err == nil {
				r.DisableDate = d
			}
		}
	}
	return r
}

func names(objs []namedObject) []string {
	if len(objs) == 0 {
		return nil
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Name)
	}
	return out
}
