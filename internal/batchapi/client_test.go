package batchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/pkg/logger"
)

func testClient(endpoint string) *Client {
	return NewClient(&config.TranslatorConfig{
		BatchEndpoint:   endpoint,
		ExtractionModel: "test-extract",
	}, logger.NewTestLogger())
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		raw  string
		want JobState
	}{
		{"JOB_STATE_SUCCEEDED", JobSucceeded},
		{"JOB_STATE_FAILED", JobFailed},
		{"JOB_STATE_RUNNING", JobRunning},
		{"JOB_STATE_PENDING", JobRunning},
		{"succeeded", JobSucceeded},
		{"completed", JobSucceeded},
		{"cancelled", JobFailed},
		{"expired", JobFailed},
		{"whatever", JobRunning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeState(tt.raw), "raw=%s", tt.raw)
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches", r.URL.Path)

		var body submitBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-extract", body.Model)
		require.Len(t, body.Requests, 2)
		assert.Equal(t, "page_0000_a", body.Requests[0].CustomID)
		assert.NotEmpty(t, body.Requests[0].Image)

		json.NewEncoder(w).Encode(submitResponse{JobID: "job-42"})
	}))
	defer srv.Close()

	jobID, err := testClient(srv.URL).Submit(context.Background(), []Request{
		{CorrelationID: "page_0000_a", ImagePNG: []byte{1, 2, 3}},
		{CorrelationID: "page_0001_b", ImagePNG: []byte{4, 5, 6}},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)
}

func TestSubmitEmpty(t *testing.T) {
	_, err := testClient("http://unused").Submit(context.Background(), nil)
	assert.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/job-42", r.URL.Path)
		json.NewEncoder(w).Encode(statusResponse{
			State:     "JOB_STATE_SUCCEEDED",
			Succeeded: 40,
			Failed:    2,
			Total:     42,
		})
	}))
	defer srv.Close()

	status, err := testClient(srv.URL).GetStatus(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status.State)
	assert.True(t, status.Done())
	assert.Equal(t, 40, status.Succeeded)
	assert.Equal(t, 2, status.Failed)
}

func TestListResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/job-42/results", r.URL.Path)
		json.NewEncoder(w).Encode(resultsResponse{Results: []Result{
			{CorrelationID: "page_0001_b", Response: &ExtractResponse{ExtractedText: "two"}},
			{CorrelationID: "page_0000_a", Error: "blocked"},
		}})
	}))
	defer srv.Close()

	results, err := testClient(srv.URL).ListResults(context.Background(), "job-42")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "page_0001_b", results[0].CorrelationID)
	assert.Equal(t, "blocked", results[1].Error)
}
