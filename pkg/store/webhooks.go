package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterWebhook stores a webhook subscription.
func (s *Store) RegisterWebhook(ctx context.Context, cfg *WebhookConfig) error {
	if cfg.WebhookID == "" || cfg.URL == "" {
		return fmt.Errorf("webhook requires id and url")
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}

	events, err := json.Marshal(cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO webhooks (webhook_id, url, secret, events, created_at, active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cfg.WebhookID, cfg.URL, cfg.Secret, string(events), cfg.CreatedAt, boolToInt(cfg.Active))

	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

// ListWebhooks returns all registered webhooks.
func (s *Store) ListWebhooks(ctx context.Context) ([]*WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT webhook_id, url, secret, events, created_at, active FROM webhooks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*WebhookConfig
	for rows.Next() {
		var cfg WebhookConfig
		var events string
		var active int
		if err := rows.Scan(&cfg.WebhookID, &cfg.URL, &cfg.Secret, &events, &cfg.CreatedAt, &active); err != nil {
			return nil, fmt.Errorf("failed to scan webhook row: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &cfg.Events); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook events: %w", err)
		}
		cfg.Active = active != 0
		hooks = append(hooks, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook row iteration failed: %w", err)
	}
	return hooks, nil
}

// DeleteWebhook removes a webhook subscription.
func (s *Store) DeleteWebhook(ctx context.Context, webhookID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE webhook_id = ?`, webhookID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
