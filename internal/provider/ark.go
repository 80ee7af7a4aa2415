package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskmgr818/magic-points/internal/task"
)

// Name reported for tasks created through this client.
const Name = "doubao"

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("video provider not configured")

// ArkClient talks to the Volcengine Ark content generation API.
type ArkClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewArkClient creates a client. timeout bounds each HTTP call.
func NewArkClient(baseURL, apiKey, model string, timeout time.Duration) *ArkClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ArkClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type contentItem struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type createRequest struct {
	Model   string        `json:"model"`
	Content []contentItem `json:"content"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateTask starts an image-to-video job.
func (c *ArkClient) CreateTask(ctx context.Context, p task.Params) (*task.Created, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	prompt := p.Prompt
	if p.CameraFixed {
		prompt += ", stationary camera, stable view --camerafixed true"
	} else {
		prompt += ", dynamic camera --camerafixed false"
	}

	payload, err := json.Marshal(createRequest{
		Model: c.model,
		Content: []contentItem{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: p.ImageRef}},
		},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		ID    string    `json:"id"`
		Error *apiError `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/contents/generations/tasks", payload, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("api returned error: %s: %s", result.Error.Code, result.Error.Message)
	}
	if result.ID == "" {
		return nil, errors.New("api returned error: empty task id")
	}

	return &task.Created{TaskID: result.ID, Provider: Name}, nil
}

// GetTaskStatus polls a job and normalises its status.
func (c *ArkClient) GetTaskStatus(ctx context.Context, taskID string) (*task.ProviderStatus, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	var result struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Content struct {
			VideoURL string `json:"video_url"`
		} `json:"content"`
		Error *apiError `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/contents/generations/tasks/"+taskID, nil, &result); err != nil {
		return nil, err
	}

	st := &task.ProviderStatus{
		Status:   MapStatus(result.Status),
		VideoURL: result.Content.VideoURL,
	}
	if result.Error != nil {
		st.Error = result.Error.Message
	}
	return st, nil
}

// MapStatus converts Ark job states to task statuses.
func MapStatus(s string) task.Status {
	switch strings.ToLower(s) {
	case "succeeded":
		return task.StatusSucceeded
	case "failed", "cancelled", "canceled", "expired":
		return task.StatusFailed
	case "running":
		return task.StatusRunning
	default:
		return task.StatusPending
	}
}

func (c *ArkClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json failed: %w", err)
	}
	return nil
}
