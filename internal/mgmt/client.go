package mgmt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rulejanitor/internal/logger"
)

const (
	sidHeader  = "X-chkp-sid"
	dateLayout = "2006-01-02"

	// Editing sessions idle out server-side after this many seconds.
	sessionTimeoutSeconds = 3600
)

// SessionState tracks where a login context is in its lifecycle.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionPublished
	SessionDiscarded
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionPublished:
		return "published"
	case SessionDiscarded:
		return "discarded"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one authenticated editing context on the management server.
type Session struct {
	ID     string
	UID    string
	Name   string
	Server string
	State  SessionState
}

// Options configure a Client.
type Options struct {
	Host string
	Port int
	// Insecure tolerates the self-signed certificates management servers
	// ship with. Operator-accepted trust, not a boundary this tool enforces.
	Insecure       bool
	RequestTimeout time.Duration

	PageSize   int
	AuditField string

	PublishWaitTimeout time.Duration
	PublishPollTimer   time.Duration

	Logger logger.Logger

	// BaseURL overrides the https://host:port/web_api derivation; used by
	// tests to point at a local server.
	BaseURL string
}

// Client talks to the management server's JSON API. It holds at most one
// session; every call after Login carries the session token. The client
// never retries: retry policy belongs to whoever drives it.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     logger.Logger

	pageSize    int
	auditField  string
	publishWait time.Duration
	publishPoll time.Duration

	session *Session
	sid     string

	// Now is injectable for tests.
	Now func() time.Time
}

// NewClient builds a client from options, applying defaults for anything
// unset.
func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		port := opts.Port
		if port == 0 {
			port = 443
		}
		base = fmt.Sprintf("https://%s:%d/web_api", opts.Host, port)
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = 200
	}
	auditField := opts.AuditField
	if auditField == "" {
		auditField = "field-1"
	}
	publishWait := opts.PublishWaitTimeout
	if publishWait == 0 {
		publishWait = 5 * time.Minute
	}
	publishPoll := opts.PublishPollTimer
	if publishPoll == 0 {
		publishPoll = 2 * time.Second
	}
	return &Client{
		baseURL:     base,
		httpc:       &http.Client{Timeout: timeout, Transport: transport},
		log:         log,
		pageSize:    pageSize,
		auditField:  auditField,
		publishWait: publishWait,
		publishPoll: publishPoll,
		Now:         time.Now,
	}
}

// Session returns the current session, nil before Login.
func (c *Client) Session() *Session { return c.session }

// Login opens an editing session. The session name embeds the caller and
// date so the change shows up attributably in the server's audit view.
func (c *Client) Login(ctx context.Context, user, password string) (*Session, error) {
	day := c.Now().UTC().Format(dateLayout)
	name := fmt.Sprintf("rulejanitor/%s/%s", user, day)
	body := map[string]any{
		"user":                user,
		"password":            password,
		"session-name":        name,
		"session-description": "automated unused-rule cleanup",
		"session-timeout":     sessionTimeoutSeconds,
	}
	var resp struct {
		SID string `json:"sid"`
		UID string `json:"uid"`
	}
	if err := c.post(ctx, "login", body, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return nil, &AuthError{Err: err}
		}
		return nil, err
	}
	c.sid = resp.SID
	c.session = &Session{
		ID:     resp.SID,
		UID:    resp.UID,
		Name:   name,
		Server: c.baseURL,
		State:  SessionOpen,
	}
	c.log.Info("session opened", logger.String("session", name))
	return c.session, nil
}

// Logout closes the session. Safe to call in any state; the caller treats a
// failure as report-only.
func (c *Client) Logout(ctx context.Context) error {
	if c.sid == "" {
		return nil
	}
	err := c.post(ctx, "logout", map[string]any{}, nil)
	c.sid = ""
	if c.session != nil {
		c.session.State = SessionClosed
	}
	if err != nil {
		return &LogoutError{Err: err}
	}
	c.log.Info("session closed")
	return nil
}

// Publish commits every pending change in the session and returns the
// server task id to poll for completion.
func (c *Client) Publish(ctx context.Context) (string, error) {
	if err := c.requireOpen(); err != nil {
		return "", &PublishError{Err: err}
	}
	var resp struct {
		TaskID string `json:"task-id"`
	}
	if err := c.post(ctx, "publish", map[string]any{}, &resp); err != nil {
		return "", &PublishError{Err: err}
	}
	c.session.State = SessionPublished
	c.log.Info("publish submitted", logger.String("task", resp.TaskID))
	return resp.TaskID, nil
}

// WaitForTask polls the publish task until it reports 100% completion,
// bounded by the configured wait. Exceeding the bound is a
// PublishTimeoutError, not a failure of the already-applied mutations.
func (c *Client) WaitForTask(ctx context.Context, taskID string) error {
	deadline := time.NewTimer(c.publishWait)
	defer deadline.Stop()
	tick := time.NewTicker(c.publishPoll)
	defer tick.Stop()

	for {
		status, pct, err := c.showTask(ctx, taskID)
		if err != nil {
			return &PublishError{Err: err}
		}
		if status == "failed" {
			return &PublishError{Err: fmt.Errorf("task %s reported failure", taskID)}
		}
		if pct >= 100 {
			c.log.Info("publish completed", logger.String("task", taskID))
			return nil
		}
		c.log.Debug("publish in progress", logger.String("task", taskID), logger.Int("percent", pct))

		select {
		case <-ctx.Done():
			return &PublishTimeoutError{TaskID: taskID}
		case <-deadline.C:
			return &PublishTimeoutError{TaskID: taskID}
		case <-tick.C:
		}
	}
}

func (c *Client) showTask(ctx context.Context, taskID string) (status string, pct int, err error) {
	body := map[string]any{"task-id": taskID, "details-level": "full"}
	var resp struct {
		Tasks []struct {
			Status             string `json:"status"`
			ProgressPercentage int    `json:"progress-percentage"`
		} `json:"tasks"`
	}
	if err := c.post(ctx, "show-task", body, &resp); err != nil {
		return "", 0, err
	}
	if len(resp.Tasks) == 0 {
		return "", 0, fmt.Errorf("task %s not found", taskID)
	}
	return resp.Tasks[0].Status, resp.Tasks[0].ProgressPercentage, nil
}

// Discard rolls back every uncommitted change in the session.
func (c *Client) Discard(ctx context.Context) error {
	if err := c.requireOpen(); err != nil {
		return &DiscardError{Err: err}
	}
	if err := c.post(ctx, "discard", map[string]any{}, nil); err != nil {
		return &DiscardError{Err: err}
	}
	c.session.State = SessionDiscarded
	c.log.Info("session changes discarded")
	return nil
}

// requireOpen rejects mutating calls issued outside an open session.
func (c *Client) requireOpen() error {
	if c.session == nil || c.sid == "" {
		return fmt.Errorf("no open session")
	}
	if c.session.State != SessionOpen {
		return fmt.Errorf("session is %s, not open", c.session.State)
	}
	return nil
}

// post issues one JSON command. Transport failures become ConnectError,
// non-2xx responses become APIError.
func (c *Client) post(ctx context.Context, command string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+command, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sid != "" {
		req.Header.Set(sidHeader, c.sid)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &ConnectError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		var detail struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &detail) == nil {
			apiErr.Code = detail.Code
			apiErr.Message = detail.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
