package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// HTTPActionRunner runs bounded actions by POSTing them to the operational
// API at <base>/actions. Any 2xx response is success.
type HTTPActionRunner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPActionRunner creates a runner for baseURL. timeout zero means 10s.
func NewHTTPActionRunner(baseURL string, timeout time.Duration) (*HTTPActionRunner, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("action base URL is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPActionRunner{
		endpoint: baseURL + "/actions",
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Execute validates and POSTs the action.
func (r *HTTPActionRunner) Execute(ctx context.Context, action pattern.Action) error {
	if err := action.Validate(); err != nil {
		return err
	}
	if action.Type == pattern.ActionNone {
		return nil
	}
	body, err := json.Marshal(action)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("running %s: %w", action.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("running %s: status %d: %s", action.Type, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
