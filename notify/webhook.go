package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookChannel posts each message as JSON.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{name: name, url: url, client: client}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return &DeliveryError{Kind: DeliveryRejected, Channel: c.name, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Kind: DeliveryRejected, Channel: c.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: DeliveryUnreachable, Channel: c.name, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &DeliveryError{Kind: DeliveryRejected, Channel: c.name, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	default:
		return &DeliveryError{Kind: DeliveryUnreachable, Channel: c.name, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
}
