package batchapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/pkg/logger"
)

// JobState is the normalized lifecycle of a remote batch job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus summarizes a batch job's remote progress.
type JobStatus struct {
	State     JobState `json:"state"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Total     int      `json:"total"`
}

// Done reports whether the remote job reached a terminal state.
func (s JobStatus) Done() bool {
	return s.State == JobSucceeded || s.State == JobFailed
}

// Request is one page submitted to a batch job, addressed by its
// correlation id.
type Request struct {
	CorrelationID string
	ImagePNG      []byte
}

// Result is one page's outcome from a completed batch job.
type Result struct {
	CorrelationID string           `json:"custom_id"`
	Error         string           `json:"error,omitempty"`
	Response      *ExtractResponse `json:"response,omitempty"`
}

// ExtractResponse carries the extraction output for one batch page.
type ExtractResponse struct {
	ExtractedText string                   `json:"extracted_text"`
	Translations  []models.TranslationPair `json:"translations"`
}

// Submitter is the batch half of the remote surface, split from the
// synchronous capability so the worker can be tested against a fake.
type Submitter interface {
	Submit(ctx context.Context, requests []Request) (string, error)
	GetStatus(ctx context.Context, jobID string) (JobStatus, error)
	ListResults(ctx context.Context, jobID string) ([]Result, error)
}

// Client submits page batches to the provider's asynchronous batch
// endpoint and fetches results once the job finishes.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     logger.Logger
}

func NewClient(cfg *config.TranslatorConfig, log logger.Logger) *Client {
	return &Client{
		endpoint: cfg.BatchEndpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.ExtractionModel,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: log,
	}
}

type submitBody struct {
	Model    string          `json:"model"`
	Requests []submitRequest `json:"requests"`
}

type submitRequest struct {
	CustomID string `json:"custom_id"`
	Image    string `json:"image"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Submit sends all pages as one batch job and returns the remote job id.
func (c *Client) Submit(ctx context.Context, requests []Request) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("no requests to submit")
	}

	body := submitBody{Model: c.model, Requests: make([]submitRequest, 0, len(requests))}
	for _, r := range requests {
		body.Requests = append(body.Requests, submitRequest{
			CustomID: r.CorrelationID,
			Image:    base64.StdEncoding.EncodeToString(r.ImagePNG),
		})
	}

	var resp submitResponse
	if err := c.post(ctx, "/v1/batches", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("batch submit rejected: %s", resp.Error)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("batch submit returned no job id")
	}

	c.logger.Info("batch job submitted",
		logger.String("jobId", resp.JobID),
		logger.Int("pages", len(requests)))
	return resp.JobID, nil
}

type statusResponse struct {
	State     string `json:"state"`
	Succeeded int    `json:"succeeded_count"`
	Failed    int    `json:"failed_count"`
	Total     int    `json:"total_count"`
	Error     string `json:"error,omitempty"`
}

// GetStatus polls the remote job, normalizing the provider's state
// vocabulary (JOB_STATE_SUCCEEDED and friends) into JobState.
func (c *Client) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var resp statusResponse
	if err := c.get(ctx, "/v1/batches/"+jobID, &resp); err != nil {
		return JobStatus{}, err
	}
	if resp.Error != "" {
		return JobStatus{}, fmt.Errorf("batch status error: %s", resp.Error)
	}

	return JobStatus{
		State:     normalizeState(resp.State),
		Succeeded: resp.Succeeded,
		Failed:    resp.Failed,
		Total:     resp.Total,
	}, nil
}

func normalizeState(raw string) JobState {
	s := strings.ToLower(strings.TrimPrefix(strings.ToUpper(raw), "JOB_STATE_"))
	switch s {
	case "succeeded", "completed", "done":
		return JobSucceeded
	case "failed", "cancelled", "expired":
		return JobFailed
	default:
		return JobRunning
	}
}

type resultsResponse struct {
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// ListResults fetches all per-page outcomes of a finished job. Order is
// whatever the provider returns; callers sort by correlation id.
func (c *Client) ListResults(ctx context.Context, jobID string) ([]Result, error) {
	var resp resultsResponse
	if err := c.get(ctx, "/v1/batches/"+jobID+"/results", &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("batch results error: %s", resp.Error)
	}
	return resp.Results, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
