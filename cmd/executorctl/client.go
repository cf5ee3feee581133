package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the executor control plane.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Event is one Server-Sent Event of an execution stream.
type Event struct {
	Name string
	Data string
}

func (c *Client) QueueJob(ctx context.Context, jobID int64) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/queue", jobID))
}

func (c *Client) CancelJob(ctx context.Context, jobID int64) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/cancel", jobID))
}

func (c *Client) InFlight(ctx context.Context) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/jobs/inflight")
}

func (c *Client) Execution(ctx context.Context, id int64) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/executions/%d", id))
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/health")
}

func (c *Client) do(ctx context.Context, method, path string) (map[string]any, error) {
	resp, err := c.send(ctx, c.HTTPClient, method, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

// Stream follows an execution's output until the server sends done or
// error, calling fn for each event.
func (c *Client) Stream(ctx context.Context, id int64, fn func(Event)) error {
	// The stream outlives any fixed client timeout.
	resp, err := c.send(ctx, &http.Client{Transport: c.HTTPClient.Transport}, http.MethodGet, fmt.Sprintf("/executions/%d/stream", id))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var ev Event
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name == "" && len(data) == 0 {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			fn(ev)
			if ev.Name == "done" || ev.Name == "error" {
				return nil
			}
			ev, data = Event{}, nil
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
