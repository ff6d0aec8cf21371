package inspect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event      string     `json:"event"`
	Strategy   string     `json:"strategy"`
	Collected  int        `json:"collected"`
	Freed      int        `json:"freed"`
	DurationMs float64    `json:"duration_ms"`
	Stats      gc.GCStats `json:"stats"`
	Timestamp  string     `json:"timestamp"`
}

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs []string
	// MinCollected skips passes that freed fewer objects. Zero sends all.
	MinCollected int
}

// WebhookNotifier posts collection events to configured webhook URLs. It
// implements gc.CollectionObserver.
type WebhookNotifier struct {
	config  *WebhookConfig
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		backoff: time.Second,
	}
}

// OnCollection sends a collection event to all configured webhook URLs.
// Runs asynchronously and does not block the collector.
func (wn *WebhookNotifier) OnCollection(e gc.CollectionEvent) {
	if wn == nil || len(e.Collected) < wn.config.MinCollected {
		return
	}

	event := &WebhookEvent{
		Event:      "collection",
		Strategy:   e.Strategy.String(),
		Collected:  len(e.Collected),
		Freed:      e.Freed,
		DurationMs: float64(e.Duration.Microseconds()) / 1000.0,
		Stats:      e.Stats,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(event)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.wg.Wait()
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST with retry (up to 2 retries).
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequest("POST", url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "jsmem-server/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * wn.backoff)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
		time.Sleep(time.Duration(attempt+1) * wn.backoff)
	}

	return lastErr
}
