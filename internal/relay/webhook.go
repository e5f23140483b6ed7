package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each message as JSON.
type Webhook struct {
	ID     string
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhook(id, url, secret string, timeout time.Duration) Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return Webhook{ID: id, URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (w Webhook) Name() string {
	if w.ID != "" {
		return "webhook:" + w.ID
	}
	return "webhook:" + w.URL
}

func (w Webhook) Deliver(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskproof-Event", msg.Type)
	req.Header.Set("X-Taskproof-Delivery", strconv.FormatInt(msg.ID, 10))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Taskproof-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
