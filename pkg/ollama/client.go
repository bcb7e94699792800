// Package ollama talks to the Ollama management API to check that the chat
// and embedding models the pipeline depends on are installed.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s request failed with status: %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Tags lists installed models
func (c *Client) Tags(ctx context.Context) (*TagsResponse, error) {
	var tags TagsResponse
	if err := c.get(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	return &tags, nil
}

// Ps lists models currently loaded in memory
func (c *Client) Ps(ctx context.Context) (*PsResponse, error) {
	var ps PsResponse
	if err := c.get(ctx, "/api/ps", &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// CheckHealth reports whether the server answers. An unreachable server is
// reported in the status, not as an error.
func (c *Client) CheckHealth(ctx context.Context) *HealthStatus {
	log := logger.WithComponent("ollama_health")

	tags, err := c.Tags(ctx)
	if err != nil {
		log.Debug("Ollama unavailable", "base_url", c.baseURL, "error", err)
		return &HealthStatus{Available: false, Error: fmt.Errorf("cannot reach Ollama at %s: %w", c.baseURL, err)}
	}

	log.Debug("Ollama health check successful", "model_count", len(tags.Models))
	return &HealthStatus{Available: true, Models: tags.Models}
}

// CheckModel reports whether modelName is installed. A name without a tag
// matches ":latest".
func (c *Client) CheckModel(ctx context.Context, modelName string) (bool, error) {
	health := c.CheckHealth(ctx)
	if !health.Available {
		return false, health.Error
	}
	return HasModel(health.Models, modelName), nil
}

// HasModel reports whether models contains modelName
func HasModel(models []Model, modelName string) bool {
	want := modelName
	if !strings.Contains(want, ":") {
		want += ":latest"
	}
	for _, m := range models {
		if m.Name == modelName || m.Name == want {
			return true
		}
	}
	return false
}
