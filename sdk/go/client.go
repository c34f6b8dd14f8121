package pactlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pactline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	CID               string `json:"cid"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	PointValue        int    `json:"point_value"`
	Due               string `json:"due"`
	PublishDate       string `json:"publish_date"`
	PartnerUpDeadline string `json:"partner_up_deadline"`
}

// Connection represents a partnership link between two users on a task.
type Connection struct {
	CID      string `json:"cid"`
	TaskCID  string `json:"task_cid"`
	Type     string `json:"type"`
	FromCID  string `json:"from_cid"`
	FromName string `json:"from_name"`
	ToCID    string `json:"to_cid"`
	ToName   string `json:"to_name"`
}

// Outcome represents a commitment's resolution on a task.
type Outcome struct {
	CID     string `json:"cid"`
	TaskCID string `json:"task_cid"`
	UserCID string `json:"user_cid"`
	Type    string `json:"type"`
}

// Candidate is a possible partner for a task.
type Candidate struct {
	CID  string `json:"cid"`
	Name string `json:"name"`
}

// ScoreReport aggregates a user's points.
type ScoreReport struct {
	UserCID               string `json:"user_cid"`
	Total                 int    `json:"total"`
	TasksDoneAlone        int    `json:"tasks_done_alone"`
	TasksDoneWithAPartner int    `json:"tasks_done_with_a_partner"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	EntityID    string `json:"entity_id"`
	EntityKind  string `json:"entity_kind"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// OpenTasks lists tasks currently open for commitment.
func (c *Client) OpenTasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "tasks?view=open", nil, &resp)
	return resp.Items, err
}

// Commit commits the authenticated user to a task.
func (c *Client) Commit(ctx context.Context, taskCID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/commit", url.PathEscape(taskCID))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// Withdraw withdraws the authenticated user from a task.
func (c *Client) Withdraw(ctx context.Context, taskCID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/withdraw", url.PathEscape(taskCID))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// MarkDone claims completion of a task.
func (c *Client) MarkDone(ctx context.Context, taskCID string) (Outcome, error) {
	var resp Outcome
	endpoint := fmt.Sprintf("tasks/%s/done", url.PathEscape(taskCID))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// MarkBroken records that a task commitment was not kept.
func (c *Client) MarkBroken(ctx context.Context, taskCID string) (Outcome, error) {
	var resp Outcome
	endpoint := fmt.Sprintf("tasks/%s/broken", url.PathEscape(taskCID))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// PartnerCandidates lists possible partners on a task.
func (c *Client) PartnerCandidates(ctx context.Context, taskCID, nameFilter string) ([]Candidate, error) {
	var resp []Candidate
	endpoint := fmt.Sprintf("tasks/%s/partner-candidates", url.PathEscape(taskCID))
	if nameFilter != "" {
		endpoint += "?q=" + url.QueryEscape(nameFilter)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestPartner asks another user to partner up on a task.
func (c *Client) RequestPartner(ctx context.Context, taskCID, candidateCID string) (Connection, error) {
	var resp Connection
	endpoint := fmt.Sprintf("tasks/%s/partner-requests", url.PathEscape(taskCID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"candidate_cid": candidateCID}, &resp)
	return resp, err
}

// ConfirmPartner accepts an incoming partner request.
func (c *Client) ConfirmPartner(ctx context.Context, connectionCID string) (Connection, error) {
	var resp Connection
	endpoint := fmt.Sprintf("connections/%s/confirm", url.PathEscape(connectionCID))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// DenyPartner declines an incoming partner request.
func (c *Client) DenyPartner(ctx context.Context, connectionCID string) error {
	endpoint := fmt.Sprintf("connections/%s/deny", url.PathEscape(connectionCID))
	return c.do(ctx, http.MethodPost, endpoint, struct{}{}, nil)
}

// CancelPartner withdraws an outgoing partner request.
func (c *Client) CancelPartner(ctx context.Context, connectionCID string) error {
	endpoint := fmt.Sprintf("connections/%s/cancel", url.PathEscape(connectionCID))
	return c.do(ctx, http.MethodPost, endpoint, struct{}{}, nil)
}

// Score returns the authenticated user's score report.
func (c *Client) Score(ctx context.Context) (ScoreReport, error) {
	var resp ScoreReport
	err := c.do(ctx, http.MethodGet, "score", nil, &resp)
	return resp, err
}

// Events returns recent events. Requires the administrator role.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
