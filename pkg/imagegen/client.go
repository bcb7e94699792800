// Package imagegen generates images through an OpenAI-compatible
// /images/generations endpoint.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

// ErrEmptyResult is returned when the endpoint answers without an image
var ErrEmptyResult = errors.New("image endpoint returned no image")

const (
	defaultTimeout = 120 * time.Second
	defaultSize    = "1024x1024"
)

// Config configures a Client
type Config struct {
	URL       string // base URL, e.g. http://localhost:7860/v1
	APIKey    string
	Model     string
	Size      string
	OutputDir string // where base64 payloads are written
	Timeout   time.Duration
}

// Client implements host.Generator
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for cfg.URL
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("image api url is required")
	}
	if cfg.Size == "" {
		cfg.Size = defaultSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.WithComponent("imagegen"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type generateRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type generateResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate implements host.Generator. A URL in the response is returned as
// is; a base64 payload is written under OutputDir and its path returned.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		N:      1,
		Size:   c.cfg.Size,
	}
	if c.cfg.OutputDir != "" {
		req.ResponseFormat = "b64_json"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode image request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create image request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("image request failed with status: %d", resp.StatusCode)
		}
		return "", fmt.Errorf("failed to decode image response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil && decoded.Error.Message != "" {
			return "", fmt.Errorf("image request failed with status %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		return "", fmt.Errorf("image request failed with status: %d", resp.StatusCode)
	}
	if len(decoded.Data) == 0 {
		return "", ErrEmptyResult
	}

	image := decoded.Data[0]
	var ref string
	switch {
	case image.URL != "":
		ref = image.URL
	case image.B64JSON != "":
		ref, err = c.save(image.B64JSON)
		if err != nil {
			return "", err
		}
	default:
		return "", ErrEmptyResult
	}

	c.log.Info("Image generated", "prompt", prompt, "image", ref, "duration", time.Since(start))
	return ref, nil
}

func (c *Client) save(payload string) (string, error) {
	if c.cfg.OutputDir == "" {
		return "", fmt.Errorf("image returned inline but no output directory is configured")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode image payload: %w", err)
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	name := uuid.NewString() + extension(data)
	if err := os.WriteFile(filepath.Join(c.cfg.OutputDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path.Join(filepath.ToSlash(c.cfg.OutputDir), name), nil
}

func extension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
