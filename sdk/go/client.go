package warroomsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal War Room HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// CaseInput is the body of a case submission.
type CaseInput struct {
	Title              string `json:"title"`
	Facts              string `json:"facts"`
	Jurisdiction       string `json:"jurisdiction"`
	Stakes             string `json:"stakes"`
	DeliberationRounds *int   `json:"deliberation_rounds,omitempty"`
}

// Case represents the API case model.
type Case struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Facts              string `json:"facts"`
	Jurisdiction       string `json:"jurisdiction"`
	Stakes             string `json:"stakes"`
	DeliberationRounds int    `json:"deliberation_rounds"`
	Phase              string `json:"phase"`
	FailureReason      string `json:"failure_reason,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

// Terminal reports whether the case will not change phase again.
func (c Case) Terminal() bool {
	return c.Phase == "complete" || c.Phase == "failed"
}

type Content struct {
	Kind                 string   `json:"kind"`
	Text                 string   `json:"text"`
	AttackVectors        []string `json:"attack_vectors,omitempty"`
	RejectedAlternatives []string `json:"rejected_alternatives,omitempty"`
}

type Argument struct {
	ID         string  `json:"id"`
	Seq        int64   `json:"seq"`
	Role       string  `json:"role"`
	Round      int     `json:"round"`
	Kind       string  `json:"kind"`
	Content    Content `json:"content"`
	LineageID  string  `json:"lineage_id"`
	RevisionOf string  `json:"revision_of,omitempty"`
}

type Counterargument struct {
	ID               string  `json:"id"`
	Seq              int64   `json:"seq"`
	Round            int     `json:"round"`
	TargetArgumentID string  `json:"target_argument_id"`
	Content          Content `json:"content"`
}

type Conflict struct {
	ID             string   `json:"id"`
	Seq            int64    `json:"seq"`
	Issue          string   `json:"issue"`
	AgentsInvolved []string `json:"agents_involved"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	Resolution     string   `json:"resolution,omitempty"`
}

// Strategy is one synthesized strategy version.
type Strategy struct {
	ID                   string         `json:"id"`
	CaseID               string         `json:"case_id"`
	Version              int            `json:"version"`
	Content              string         `json:"content"`
	Rationale            map[string]any `json:"rationale"`
	RejectedAlternatives []string       `json:"rejected_alternatives"`
	CreatedAt            string         `json:"created_at"`
}

type AgentRun struct {
	ID           string  `json:"id"`
	Role         string  `json:"role"`
	Label        string  `json:"label"`
	Round        int     `json:"round"`
	Outcome      string  `json:"outcome"`
	AttemptCount int     `json:"attempt_count"`
	Error        string  `json:"error,omitempty"`
	StartedAt    string  `json:"started_at"`
	EndedAt      *string `json:"ended_at,omitempty"`
}

// Snapshot is the full case view (partial).
type Snapshot struct {
	Case             Case              `json:"case"`
	Arguments        []Argument        `json:"arguments"`
	Counterarguments []Counterargument `json:"counterarguments"`
	Conflicts        []Conflict        `json:"conflicts"`
	Strategy         *Strategy         `json:"strategy,omitempty"`
	Strategies       []Strategy        `json:"strategies"`
	AgentRuns        []AgentRun        `json:"agent_runs"`
	LastEventSeq     int64             `json:"last_event_seq"`
}

// Event represents a case event.
type Event struct {
	CaseID  string         `json:"case_id"`
	Seq     int64          `json:"seq"`
	Kind    string         `json:"kind"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// Terminal reports whether the event ends the case stream.
func (e Event) Terminal() bool {
	return e.Kind == "strategy_ready" || e.Kind == "error"
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event log pages.
type PaginatedEvents struct {
	Items     []Event `json:"items"`
	NextAfter int64   `json:"next_after"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitCase submits a case and returns it in phase created.
func (c *Client) SubmitCase(ctx context.Context, in CaseInput) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", in, &resp)
	return resp, err
}

// ListCases returns one page of cases, newest first. phase may be empty.
func (c *Client) ListCases(ctx context.Context, phase string, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if phase != "" {
		q.Set("phase", phase)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, withQuery("cases", q), nil, &resp)
	return resp, err
}

// Snapshot fetches everything recorded for a case.
func (c *Client) Snapshot(ctx context.Context, caseID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, casePath(caseID, ""), nil, &resp)
	return resp, err
}

// Strategy fetches the latest strategy version.
func (c *Client) Strategy(ctx context.Context, caseID string) (Strategy, error) {
	var resp Strategy
	err := c.do(ctx, http.MethodGet, casePath(caseID, "strategy"), nil, &resp)
	return resp, err
}

// EventsPage returns events with seq greater than after.
func (c *Client) EventsPage(ctx context.Context, caseID string, after int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(casePath(caseID, "events"), q), nil, &resp)
	return resp, err
}

// Events returns the whole persisted event log of a case.
func (c *Client) Events(ctx context.Context, caseID string) ([]Event, error) {
	var out []Event
	var after int64
	for {
		page, err := c.EventsPage(ctx, caseID, after, 0)
		if err != nil {
			return out, err
		}
		out = append(out, page.Items...)
		if page.NextAfter == 0 {
			return out, nil
		}
		after = page.NextAfter
	}
}

// Cancel stops a case. The server requires an operator token when auth is on.
func (c *Client) Cancel(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "cancel"), nil, &resp)
	return resp, err
}

// Resynthesize asks for a new strategy version of a complete case.
func (c *Client) Resynthesize(ctx context.Context, caseID string) error {
	return c.do(ctx, http.MethodPost, casePath(caseID, "resynthesize"), nil, nil)
}

// Stream calls fn for every event after the given seq until the server ends
// the stream, fn returns an error, or ctx ends.
func (c *Client) Stream(ctx context.Context, caseID string, after int64, fn func(Event) error) error {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(withQuery(casePath(caseID, "stream"), q)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// The stream outlives the request timeout.
	client := &http.Client{}
	if c.HTTPClient != nil {
		client = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return readEvents(resp.Body, fn)
}

// Follow streams a case from after until it ends and returns the terminal
// event.
func (c *Client) Follow(ctx context.Context, caseID string, after int64, fn func(Event)) (Event, error) {
	var last Event
	err := c.Stream(ctx, caseID, after, func(evt Event) error {
		last = evt
		if fn != nil {
			fn(evt)
		}
		return nil
	})
	if err != nil {
		return last, err
	}
	if !last.Terminal() {
		return last, errors.New("stream ended before the case finished")
	}
	return last, nil
}

func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			data.Reset()
			if err := fn(evt); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func casePath(caseID, sub string) string {
	p := "cases/" + url.PathEscape(caseID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
