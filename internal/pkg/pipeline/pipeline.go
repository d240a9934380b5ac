package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/env"
)

// Client submits authorized scan sessions to the body composition analysis
// service. The service stores results keyed by session UUID; this module
// only tracks session state.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type analyzeRequest struct {
	SessionUUID string   `json:"session_uuid"`
	UserID      uint     `json:"user_id"`
	Mode        string   `json:"mode"`
	ImageHashes []string `json:"image_hashes"`
}

type analyzeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewFromEnv builds the pipeline client from PIPELINE_URL / PIPELINE_API_KEY.
func NewFromEnv() *Client {
	return &Client{
		BaseURL: strings.TrimRight(env.GetEnv("PIPELINE_URL", "http://localhost:8090"), "/"),
		APIKey:  strings.TrimSpace(env.GetEnv("PIPELINE_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: time.Duration(env.GetEnvInt("PIPELINE_TIMEOUT_SECONDS", 120)) * time.Second,
		},
	}
}

// Process runs the analysis synchronously and returns once the service has
// accepted and completed the session.
func (c *Client) Process(ctx context.Context, session *models.ScanSession) error {
	hashes := session.ImageHashes()
	body, err := json.Marshal(analyzeRequest{
		SessionUUID: session.UUID,
		UserID:      session.UserID,
		Mode:        session.Mode,
		ImageHashes: hashes,
	})
	if err != nil {
		return fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("analysis service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode analysis response: %w", err)
	}
	if parsed.Status != "completed" {
		return fmt.Errorf("analysis did not complete: status=%s error=%s", parsed.Status, parsed.Error)
	}
	return nil
}
