// Package workerkit implements the worker side of the kernel's channel
// contract: context resolution, progress reporting, signal consumption, and
// cooperative cancellation. Platform automation itself stays outside: a
// worker binary embeds this kit and supplies its own Automation. The package
// carries its own wire types so binaries outside this module can build
// against it.
package workerkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const workerHeader = "X-Crossport-Worker"

// Client talks to the kernel's control protocol on behalf of one worker.
type Client struct {
	baseURL string
	handle  string
	http    *http.Client
}

func NewClient(baseURL, handle string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		handle:  handle,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Context resolves this worker's handle to its owning job and channel.
func (c *Client) Context(ctx context.Context) (Job, string, error) {
	url := fmt.Sprintf("%s/v1/workers/%s/context", c.baseURL, c.handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Job{}, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Job{}, "", fmt.Errorf("get context: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Job{}, "", ErrWorkerNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Job{}, "", fmt.Errorf("get context: status=%d body=%s", resp.StatusCode, body)
	}

	var out struct {
		Job     Job    `json:"job"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Job{}, "", fmt.Errorf("decode context: %w", err)
	}
	return out.Job, out.Channel, nil
}

// Report posts a state patch for this worker's channel. The kernel
// acknowledges patches for stopped jobs without applying them, so reporting
// after a stop is safe.
func (c *Client) Report(ctx context.Context, jobID, channel string, patch Patch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	url := fmt.Sprintf("%s/v1/jobs/%s/channels/%s/update", c.baseURL, jobID, channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(workerHeader, c.handle)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("report update: status=%d body=%s", resp.StatusCode, respBody)
	}
	return nil
}
