package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"warroom/internal/config"
	"warroom/internal/ledger"
	"warroom/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts case events to configured URLs. It follows the
// store-wide event log with one cursor per webhook, starting at the end of
// the log, and retries a failed delivery on the next tick.
type WebhookDispatcher struct {
	ledger   ledger.Ledger
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *logging.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(l ledger.Ledger, hooks []config.WebhookConfig, logger *logging.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		ledger:   l,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Active reports whether any webhook would receive deliveries.
func (d *WebhookDispatcher) Active() bool {
	for _, hook := range d.webhooks {
		if hook.Active() {
			return true
		}
	}
	return false
}

// Run delivers until ctx ends.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if !d.Active() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every active webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !hook.Active() {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	page, err := d.ledger.EventsSince(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range page {
		if !filter.match(string(evt.Kind)) {
			d.setCursor(idx, evt.Cursor)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "url", hook.URL, "case_id", evt.CaseID, "seq", evt.Seq, "err", err)
			return
		}
		d.setCursor(idx, evt.Cursor)
	}
}

// Seek positions every webhook at cursor instead of the end of the log.
func (d *WebhookDispatcher) Seek(cursor int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.webhooks {
		d.cursors[i] = cursor
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.ledger.LatestCursor(ctx)
	if err != nil {
		d.logger.Warn("init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Delivery int64           `json:"delivery"`
	CaseID   string          `json:"case_id"`
	Seq      int64           `json:"seq"`
	Kind     string          `json:"kind"`
	TS       string          `json:"ts"`
	Payload  json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt ledger.GlobalEvent) error {
	payload := evt.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(webhookEvent{
		Delivery: evt.Cursor,
		CaseID:   evt.CaseID,
		Seq:      evt.Seq,
		Kind:     string(evt.Kind),
		TS:       evt.TS,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Warroom-Event", string(evt.Kind))
	req.Header.Set("X-Warroom-Delivery", fmt.Sprintf("%d", evt.Cursor))
	req.Header.Set("X-Warroom-Case", evt.CaseID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Warroom-Signature", "sha256="+sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// sign is the hex HMAC-SHA256 of body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
