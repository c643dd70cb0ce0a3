package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"
)

// Source is what the console renders. APIClient implements it against a
// running server.
type Source interface {
	QuotaStatus(ctx context.Context) (service.QuotaStatus, error)
	StreamHealth(ctx context.Context) (stream.HealthReport, error)
}

// APIClient reads operator status from the REST surface.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *APIClient) QuotaStatus(ctx context.Context) (service.QuotaStatus, error) {
	var status service.QuotaStatus
	err := c.get(ctx, "/health/kv", &status)
	return status, err
}

func (c *APIClient) StreamHealth(ctx context.Context) (stream.HealthReport, error) {
	var report stream.HealthReport
	err := c.get(ctx, "/api/streams", &report)
	return report, err
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, body.Error)
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
