package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// dataPrefix marks an SSE data line.
const dataPrefix = "data: "

// SSEClientConfig configures the SSE generation client.
type SSEClientConfig struct {
	// URL is the upstream generation service's streaming endpoint.
	URL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// SSEClient consumes an upstream generation service that streams typed
// events over server-sent events, one JSON object per data line.
type SSEClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewSSEClient creates an SSE generation client.
func NewSSEClient(cfg SSEClientConfig) (*SSEClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine URL is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 0} // streaming responses must not time out mid-body
	}
	return &SSEClient{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: client,
	}, nil
}

// generateRequest is the JSON body sent to the upstream service.
type generateRequest struct {
	Question string    `json:"question"`
	History  []Message `json:"history,omitempty"`
}

// Generate opens the upstream stream and decodes its frames into Events.
// The returned channel closes when the upstream stream ends or ctx is
// cancelled. A transport failure mid-stream surfaces as a final EventError.
func (c *SSEClient) Generate(ctx context.Context, question string, history []Message) (<-chan Event, error) {
	body, err := json.Marshal(generateRequest{Question: question, History: history})
	if err != nil {
		return nil, fmt.Errorf("marshaling generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to generation engine: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("generation engine returned status %d", resp.StatusCode)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, dataPrefix) {
				continue
			}

			var ev Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, dataPrefix)), &ev); err != nil {
				slog.Warn("engine: dropping malformed frame", "error", err)
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case events <- Event{Type: EventError, Message: "generation stream interrupted"}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

// Verify interface compliance.
var _ Engine = (*SSEClient)(nil)
