package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"clearhold/escrow"
	"clearhold/observability/metrics"
)

const (
	defaultQueueCapacity = 256
	maxDeliveryAttempts  = 3
	retryBackoff         = 2 * time.Second
)

// WebhookQueue implements escrow.Emitter: engine events are queued and
// delivered asynchronously to registered webhook URLs with an HMAC-signed
// payload. Delivery is best-effort with bounded retry; a full queue drops
// the event rather than blocking the engine.
type WebhookQueue struct {
	store   *SQLiteStore
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Escrow

	tasks chan escrow.Event

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewWebhookQueue builds a queue over the gateway store. The metrics handle
// may be nil.
func NewWebhookQueue(store *SQLiteStore, logger *slog.Logger, m *metrics.Escrow) *WebhookQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookQueue{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		metrics: m,
		tasks:   make(chan escrow.Event, defaultQueueCapacity),
		stop:    make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (q *WebhookQueue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop drains the worker and waits for in-flight deliveries.
func (q *WebhookQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Emit implements escrow.Emitter.
func (q *WebhookQueue) Emit(evt escrow.Event) {
	select {
	case q.tasks <- evt:
	default:
		q.logger.Warn("webhook queue full, dropping event", "type", evt.Type)
		q.countDelivery("dropped")
	}
}

func (q *WebhookQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			// Flush whatever was queued before shutdown.
			for {
				select {
				case evt := <-q.tasks:
					q.deliver(evt)
				default:
					return
				}
			}
		case evt := <-q.tasks:
			q.deliver(evt)
		}
	}
}

func (q *WebhookQueue) deliver(evt escrow.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	hooks, err := q.store.WebhooksForEvent(ctx, evt.Type)
	if err != nil {
		q.logger.Error("load webhooks", "type", evt.Type, "err", err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		q.logger.Error("encode webhook payload", "type", evt.Type, "err", err)
		return
	}
	for _, hook := range hooks {
		q.deliverOne(ctx, hook, evt.Type, payload)
	}
}

func (q *WebhookQueue) deliverOne(ctx context.Context, hook Webhook, eventType string, payload []byte) {
	signature := signPayload(hook.Secret, payload)
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		err := q.post(ctx, hook.URL, signature, payload)
		if err == nil {
			q.countDelivery("ok")
			_ = q.store.RecordWebhookAttempt(ctx, hook.ID, eventType, attempt, "delivered", "")
			return
		}
		_ = q.store.RecordWebhookAttempt(ctx, hook.ID, eventType, attempt, "failed", err.Error())
		q.logger.Warn("webhook delivery failed", "url", hook.URL, "attempt", attempt, "err", err)
		if attempt < maxDeliveryAttempts {
			select {
			case <-ctx.Done():
				q.countDelivery("failed")
				return
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
	}
	q.countDelivery("failed")
}

func (q *WebhookQueue) post(ctx context.Context, url, signature string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clearhold-Signature", signature)
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (q *WebhookQueue) countDelivery(outcome string) {
	if q.metrics != nil {
		q.metrics.Webhooks.WithLabelValues(outcome).Inc()
	}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
