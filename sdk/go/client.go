package tunebenchsdk

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

// Client is a minimal Tunebench HTTP API client.
type Client struct {
	BaseURL      string
	ExperimentID string
	APIKey       string
	BearerToken  string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, experimentID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ExperimentID: experimentID,
		Timeout:      10 * time.Second,
	}
}

// Experiment represents the API experiment model (partial).
type Experiment struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	SchemaUID   string      `json:"schema_uid"`
	Status      string      `json:"status"`
	Objectives  []Objective `json:"objectives,omitempty"`
	CreatedAt   string      `json:"created_at"`
}

type Objective struct {
	Metric    string `json:"metric"`
	Direction string `json:"direction"`
}

// Trial represents one execution of a stored config.
type Trial struct {
	ExperimentID string  `json:"experiment_id"`
	TrialID      int64   `json:"trial_id"`
	ConfigUID    string  `json:"config_uid"`
	RunnerID     *string `json:"runner_id,omitempty"`
	Status       string  `json:"status"`
	TSSubmit     string  `json:"ts_submit"`
	TSStart      *string `json:"ts_start,omitempty"`
	TSEnd        *string `json:"ts_end,omitempty"`
}

// Submission reports the trials queued for one config.
type Submission struct {
	TrialIDs  []int64 `json:"trial_ids"`
	ConfigUID string  `json:"config_uid"`
}

// Event represents a log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetExperiment fetches the client's experiment.
func (c *Client) GetExperiment(ctx context.Context) (Experiment, error) {
	var resp Experiment
	err := c.do(ctx, http.MethodGet, c.experimentPath(""), nil, &resp)
	return resp, err
}

// SubmitTrials queues repeat trials of a parameter assignment.
func (c *Client) SubmitTrials(ctx context.Context, values map[string]string, repeat int) (Submission, error) {
	body := map[string]any{
		"values": values,
		"repeat": repeat,
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, c.experimentPath("trials"), body, &resp)
	return resp, err
}

// ListTrials returns trials, optionally filtered by status.
func (c *Client) ListTrials(ctx context.Context, status string) ([]Trial, error) {
	endpoint := c.experimentPath("trials")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Trial
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelTrial requests cancellation of a trial.
func (c *Client) CancelTrial(ctx context.Context, trialID int64) (bool, error) {
	var resp struct {
		Canceled bool   `json:"canceled"`
		Status   string `json:"status"`
	}
	endpoint := c.experimentPath(fmt.Sprintf("trials/%d/cancel", trialID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Canceled, err
}

// TrialResults returns the metric results of a completed trial.
func (c *Client) TrialResults(ctx context.Context, trialID int64) (map[string]float64, error) {
	var resp map[string]float64
	endpoint := c.experimentPath(fmt.Sprintf("trials/%d/results", trialID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns events after the cursor id.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if c.ExperimentID != "" {
		endpoint = fmt.Sprintf("%s&experiment_id=%s", endpoint, url.QueryEscape(c.ExperimentID))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) experimentPath(p string) string {
	exp := url.PathEscape(c.ExperimentID)
	if p == "" {
		return fmt.Sprintf("v0/experiments/%s", exp)
	}
	return fmt.Sprintf("v0/experiments/%s/%s", exp, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
