package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sender dispatches a single email. Implemented by Client and by test fakes.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is one outbound email
type Message struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
}

// Client is a thin HTTP client for the external mail dispatcher. Delivery
// is best effort end to end; callers wrap Send in the reliability
// combinators rather than retrying here.
type Client struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client
}

// NewClient creates a mail dispatcher client
func NewClient(endpoint, apiKey, from string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts the message to the dispatcher
func (c *Client) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = c.from
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail dispatcher unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail dispatcher returned status %d", resp.StatusCode)
	}
	return nil
}
