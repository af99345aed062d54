package pose

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
)

const maxResponseBytes = 1 << 20

// Client calls an external pose estimation service over HTTP. The frame is
// POSTed as the raw request body; the service answers with either
// {"joints": [...], "metrics": {...}} or {"keypoints": [[x, y, conf], ...]}.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient returns a Client for endpoint. httpClient may be nil.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: strings.TrimSpace(endpoint), httpClient: httpClient}
}

type serviceResponse struct {
	Joints    []Joint     `json:"joints"`
	Keypoints [][]float64 `json:"keypoints"`
	Metrics   *Metrics    `json:"metrics"`
	Error     string      `json:"error"`
}

// Analyze implements the capture analyzer contract. Cancellation of ctx
// aborts the request.
func (c *Client) Analyze(ctx context.Context, frame []byte) (Result, error) {
	if c.endpoint == "" {
		return Result{}, errors.New("pose client: empty endpoint")
	}
	if len(frame) == 0 {
		return Empty(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return Result{}, fmt.Errorf("pose request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("pose request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("pose response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("pose service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload serviceResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, fmt.Errorf("pose response parse: %w", err)
	}
	if payload.Error != "" {
		return Result{}, fmt.Errorf("pose service: %s", payload.Error)
	}

	raw := Result{Joints: payload.Joints}
	if len(raw.Joints) == 0 && len(payload.Keypoints) > 0 {
		raw.Joints = FromKeypoints(payload.Keypoints)
	}
	if payload.Metrics != nil {
		raw.Metrics = *payload.Metrics
	}
	return Shape(raw), nil
}

// Nop reports no detections for every frame. It stands in when no pose
// service is configured, so the channel still answers each frame.
type Nop struct{}

// Analyze implements the capture analyzer contract.
func (Nop) Analyze(ctx context.Context, frame []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Empty(), nil
}
