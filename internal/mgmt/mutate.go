package mgmt

import (
	"context"
	"time"

	"rulejanitor/internal/logger"
)

// DisableRule turns the rule off and stamps the audit field with the given
// date in the same request, so the state change and its timestamp are atomic
// from the policy's point of view.
func (c *Client) DisableRule(ctx context.Context, layer, uid string, date time.Time) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	body := map[string]any{
		"uid":     uid,
		"layer":   layer,
		"enabled": false,
		"custom-fields": map[string]string{
			c.auditField: date.UTC().Format(dateLayout),
		},
	}
	if err := c.post(ctx, "set-access-rule", body, nil); err != nil {
		return err
	}
	c.log.Debug("rule disabled", logger.String("layer", layer), logger.String("uid", uid))
	return nil
}

// DeleteRule removes the rule from the layer.
func (c *Client) DeleteRule(ctx context.Context, layer, uid string) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	body := map[string]any{
		"uid":   uid,
		"layer": layer,
	}
	if err := c.post(ctx, "delete-access-rule", body, nil); err != nil {
		return err
	}
	c.log.Debug("rule deleted", logger.String("layer", layer), logger.String("uid", uid))
	return nil
}
