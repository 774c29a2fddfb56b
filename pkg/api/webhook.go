package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/veriwork/sandlab/pkg/store"
)

// handleWebhooks manages webhook registration and listing.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createWebhook(w, r)
	case http.MethodGet:
		hooks, err := s.store.ListWebhooks(r.Context())
		if err != nil {
			fmt.Printf(`{"level":"error","msg":"failed_to_list_webhooks","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
			http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			return
		}
		// Secrets are returned once at creation, never on list.
		for _, h := range hooks {
			h.Secret = ""
		}
		writeJSON(w, http.StatusOK, hooks)
	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, `{"error":"missing_url"}`, http.StatusBadRequest)
		return
	}

	events := req.Events
	if len(events) == 0 {
		events = []string{string(store.EventTypeAbuseFlagged)}
	}

	webhookID := "wh_" + fmt.Sprintf("%d", time.Now().UnixNano())
	secret := generateSecret()

	cfg := &store.WebhookConfig{
		WebhookID: webhookID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	if err := s.store.RegisterWebhook(r.Context(), cfg); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_register_webhook","error":"%v"}`+"\n", err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, WebhookResponse{WebhookID: webhookID, Secret: secret})
}

// handleWebhookByID handles DELETE /v1/webhooks/{id}.
func (s *Server) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	webhookID := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if webhookID == "" {
		http.Error(w, `{"error":"missing_webhook_id"}`, http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteWebhook(r.Context(), webhookID); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_delete_webhook","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookLister loads the registered webhooks for dispatch.
type WebhookLister interface {
	ListWebhooks(ctx context.Context) ([]*store.WebhookConfig, error)
}

// Dispatcher delivers detection events to registered webhooks.
// Delivery is best effort: a dead endpoint is logged, never retried,
// and never fails the run that produced the event.
type Dispatcher struct {
	hooks  WebhookLister
	client *http.Client
}

func NewDispatcher(hooks WebhookLister) *Dispatcher {
	return &Dispatcher{
		hooks:  hooks,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// DispatchDetections fans detection events out to subscribed webhooks
// in the background.
func (d *Dispatcher) DispatchDetections(events []*store.Event) {
	var detections []*store.Event
	for _, evt := range events {
		if evt.EventType == store.EventTypeAbuseFlagged || evt.EventType == store.EventTypeRateLimited {
			detections = append(detections, evt)
		}
	}
	if len(detections) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hooks, err := d.hooks.ListWebhooks(ctx)
		if err != nil {
			fmt.Printf(`{"level":"error","msg":"webhook_list_failed","error":"%v"}`+"\n", err)
			return
		}

		for _, hook := range hooks {
			if !hook.Active {
				continue
			}
			for _, evt := range detections {
				if !subscribed(hook.Events, string(evt.EventType)) {
					continue
				}
				d.deliver(ctx, hook, evt)
			}
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, hook *store.WebhookConfig, evt *store.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"webhook_request_failed","webhook_id":"%s","error":"%v"}`+"\n", hook.WebhookID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sandlab-Event", string(evt.EventType))
	if hook.Secret != "" {
		req.Header.Set("X-Sandlab-Signature", signPayload(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"webhook_delivery_failed","webhook_id":"%s","error":"%v"}`+"\n", hook.WebhookID, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		fmt.Printf(`{"level":"error","msg":"webhook_delivery_rejected","webhook_id":"%s","status":%d}`+"\n", hook.WebhookID, resp.StatusCode)
	}
}

// signPayload computes the hex HMAC-SHA256 of the body under the
// webhook's shared secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func subscribed(events []string, eventType string) bool {
	for _, e := range events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}
