package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shotline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookDelivery is the JSON body POSTed to a webhook URL.
type webhookDelivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// WebhookHandler returns a Handler that POSTs each event to the webhook's
// URL. Any non-2xx response is an error, which holds the subscriber cursor
// so delivery is retried.
func WebhookHandler(hook domain.Webhook, client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return func(ctx context.Context, evt domain.Event) error {
		payload := json.RawMessage("{}")
		if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		}
		body := webhookDelivery{
			ID:         evt.ID,
			Type:       evt.Type,
			ProjectID:  evt.ProjectID,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			TS:         evt.TS,
			Payload:    payload,
		}
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Shotline-Event", evt.Type)
		req.Header.Set("X-Shotline-Delivery", fmt.Sprintf("%d", evt.ID))
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Shotline-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil
	}
}

// RegisterWebhooks subscribes every active hook to the dispatcher, sharing
// one HTTP client. Returns the subscription IDs keyed by webhook ID.
func RegisterWebhooks(d *Dispatcher, hooks []domain.Webhook, client *http.Client) map[string]string {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	ids := make(map[string]string, len(hooks))
	for _, hook := range hooks {
		if !hook.Active || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		ids[hook.ID] = d.Subscribe("webhook "+hook.URL, NewFilter(hook.Events), WebhookHandler(hook, client))
	}
	return ids
}
