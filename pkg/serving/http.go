package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// StatusError is a non-2xx response from a remote scoring endpoint. The body
// is carried unchanged so callers can surface the upstream diagnostic.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scoring endpoint returned %d: %s", e.Code, e.Body)
}

// HTTPScorer scores against a remote HTTP endpoint
type HTTPScorer struct {
	url    string
	client *http.Client
}

// NewHTTPScorer creates a scorer posting to url
func NewHTTPScorer(url string) *HTTPScorer {
	return &HTTPScorer{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Score posts the request as JSON and returns the response body verbatim.
// Non-2xx responses come back as *StatusError.
func (s *HTTPScorer) Score(ctx context.Context, req *models.ScoreRequest) (models.ScoreResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return models.ScoreResponse(body), nil
}
