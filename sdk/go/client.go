package taskproofsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskproof HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id for servers started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	AccuracyMeters float64  `json:"accuracy_m,omitempty"`
}

// Point builds coordinates from plain values.
func Point(lat, lon float64) Coordinates {
	return Coordinates{Latitude: &lat, Longitude: &lon}
}

// Plan describes what a completed job should look like.
type Plan struct {
	Category               string   `json:"category,omitempty"`
	ExpectedTransformation string   `json:"expected_transformation,omitempty"`
	Checklist              []string `json:"checklist,omitempty"`
}

// Job represents the API job model (partial).
type Job struct {
	ID             int64       `json:"id"`
	Title          string      `json:"title"`
	Client         string      `json:"client"`
	Worker         *string     `json:"worker,omitempty"`
	Amount         int64       `json:"amount"`
	Fee            *int64      `json:"fee,omitempty"`
	Net            *int64      `json:"net,omitempty"`
	ReferenceMedia []string    `json:"reference_media,omitempty"`
	ProofMedia     []string    `json:"proof_media,omitempty"`
	Location       Coordinates `json:"location"`
	Status         string      `json:"status"`
	Attempts       int         `json:"attempts"`
	Settlement     string      `json:"settlement"`
}

// Decision is one scored proof attempt.
type Decision struct {
	JobID              int64              `json:"job_id"`
	Attempt            int                `json:"attempt"`
	Verdict            string             `json:"verdict"`
	Score              float64            `json:"score"`
	Breakdown          map[string]float64 `json:"breakdown"`
	Category           string             `json:"category,omitempty"`
	Issues             []string           `json:"issues,omitempty"`
	Suggestions        []string           `json:"suggestions,omitempty"`
	PaymentRecommended bool               `json:"payment_recommended"`
	CanResubmit        bool               `json:"can_resubmit"`
}

// Dispute represents a contested job.
type Dispute struct {
	ID         string `json:"id"`
	JobID      int64  `json:"job_id"`
	RaisedBy   string `json:"raised_by"`
	Reason     string `json:"reason"`
	Automatic  bool   `json:"automatic"`
	Status     string `json:"status"`
	Resolver   string `json:"resolver,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// SubmitOutcome is returned by SubmitProof.
type SubmitOutcome struct {
	Decision   Decision `json:"decision"`
	Job        Job      `json:"job"`
	Settlement string   `json:"settlement"`
	Dispute    *Dispute `json:"dispute,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateJobInput is the body of CreateJob.
type CreateJobInput struct {
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Amount         int64       `json:"amount"`
	ReferenceMedia []string    `json:"reference_media,omitempty"`
	Plan           *Plan       `json:"plan,omitempty"`
	Location       Coordinates `json:"location"`
}

// CreateJob funds a job from the caller's balance.
func (c *Client) CreateJob(ctx context.Context, in CreateJobInput) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", in, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, &resp)
	return resp, err
}

// ClaimJob locks an open job to the caller.
func (c *Client) ClaimJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(id, "claim"), nil, &resp)
	return resp, err
}

// SubmitProof submits after photos and, optionally, where they were taken.
func (c *Client) SubmitProof(ctx context.Context, id int64, proofMedia []string, at *Coordinates) (SubmitOutcome, error) {
	body := map[string]any{"proof_media": proofMedia}
	if at != nil {
		body["coordinates"] = at
	}
	var resp SubmitOutcome
	err := c.do(ctx, http.MethodPost, jobPath(id, "proof"), body, &resp)
	return resp, err
}

// Decisions lists scored attempts for a job.
func (c *Client) Decisions(ctx context.Context, id int64) ([]Decision, error) {
	var resp []Decision
	err := c.do(ctx, http.MethodGet, jobPath(id, "decisions"), nil, &resp)
	return resp, err
}

// CreateDispute contests a locked job.
func (c *Client) CreateDispute(ctx context.Context, jobID int64, reason string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "disputes"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResolveDispute settles a dispute. Arbiters only.
func (c *Client) ResolveDispute(ctx context.Context, disputeID string, approveWorker bool, notes string) (Dispute, error) {
	body := map[string]any{"approve_worker": approveWorker, "notes": notes}
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("disputes/%s/resolve", url.PathEscape(disputeID)), body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Balance returns the ledger balance of an account.
func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "accounts/"+url.PathEscape(account), nil, &resp)
	return resp.Balance, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func jobPath(id int64, action string) string {
	p := "jobs/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
