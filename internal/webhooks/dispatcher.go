package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/junctionhq/junction/internal/metrics"
	"github.com/junctionhq/junction/internal/store"
)

const (
	defaultRetryBase      = time.Second
	maxRetryDelay         = 30 * time.Second
	defaultConcurrency    = 4
	defaultAttemptTimeout = 10 * time.Second
)

// ErrTargetNotAllowed reports an outbound target URL that failed
// validation.
var ErrTargetNotAllowed = errors.New("webhook target not allowed")

type dispatcherStore interface {
	ListDispatchWebhooks(ctx context.Context, orgID, integrationID uuid.UUID) ([]store.Webhook, error)
	InsertWebhookDelivery(ctx context.Context, p store.InsertWebhookDeliveryParams) (store.WebhookDelivery, error)
	RecordWebhookResult(ctx context.Context, id uuid.UUID, success bool, at time.Time) error
}

// secretDecrypter opens encrypted webhook signing secrets.
type secretDecrypter interface {
	Decrypt(payload string) ([]byte, error)
}

// DispatcherConfig tunes outbound delivery.
type DispatcherConfig struct {
	RetryBase   time.Duration
	Concurrency int
	// AllowPrivateTargets permits http, loopback and private-range
	// targets. Meant for development only.
	AllowPrivateTargets bool
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Dispatcher fans events out to registered outbound webhooks with
// signed requests, retrying each target inline up to its own retry
// budget and recording every attempt.
type Dispatcher struct {
	store   dispatcherStore
	secrets secretDecrypter
	hc      *http.Client
	logger  *slog.Logger
	cfg     DispatcherConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(st dispatcherStore, secrets secretDecrypter, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:   st,
		secrets: secrets,
		hc:      &http.Client{},
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Envelope is the body delivered to outbound targets.
type Envelope struct {
	EventType     string         `json:"event_type"`
	IntegrationID uuid.UUID      `json:"integration_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Data          map[string]any `json:"data"`
}

// DispatchReport summarizes one fan-out.
type DispatchReport struct {
	Matched   int `json:"matched"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Dispatch delivers the event to every enabled webhook subscribed to it:
// targets bound to the integration plus the organization-wide ones.
// Targets are worked with bounded concurrency; each gets its own
// timeout and inline retry budget, and every attempt is recorded as a
// delivery row. A failing target never blocks the others.
func (d *Dispatcher) Dispatch(ctx context.Context, integration store.Integration, eventType string, data map[string]any) (DispatchReport, error) {
	hooks, err := d.store.ListDispatchWebhooks(ctx, integration.OrganizationID, integration.ID)
	if err != nil {
		return DispatchReport{}, err
	}

	var matched []store.Webhook
	for _, hook := range hooks {
		if hook.Matches(eventType) {
			matched = append(matched, hook)
		}
	}
	report := DispatchReport{Matched: len(matched)}
	if len(matched) == 0 {
		return report, nil
	}

	payload, err := json.Marshal(Envelope{
		EventType:     eventType,
		IntegrationID: integration.ID,
		OccurredAt:    d.now().UTC(),
		Data:          data,
	})
	if err != nil {
		return report, fmt.Errorf("encode webhook envelope: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, hook := range matched {
		g.Go(func() error {
			ok := d.dispatchOne(gctx, hook, eventType, payload)
			mu.Lock()
			if ok {
				report.Delivered++
			} else {
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// dispatchOne works a single target through its retry budget and settles
// the webhook's counters.
func (d *Dispatcher) dispatchOne(ctx context.Context, hook store.Webhook, eventType string, payload []byte) bool {
	attempts := hook.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	success := false
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, d.retryDelay(attempt-1)); err != nil {
				break
			}
		}

		start := d.now()
		status, err := d.deliver(ctx, hook, eventType, payload)
		elapsed := d.now().Sub(start).Milliseconds()

		rec := store.InsertWebhookDeliveryParams{
			WebhookID:      hook.ID,
			Event:          eventType,
			Status:         store.DeliveryStatusSuccess,
			ResponseStatus: status,
			DurationMS:     elapsed,
		}
		if err != nil {
			rec.Status = store.DeliveryStatusFailed
			rec.Error = err.Error()
			lastErr = err
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues(rec.Status).Inc()
		if _, insErr := d.store.InsertWebhookDelivery(ctx, rec); insErr != nil {
			d.logger.Error("could not record webhook delivery", "webhook_id", hook.ID, "error", insErr)
		}

		if err == nil {
			success = true
			break
		}
		// Target validation never passes on retry; stop burning attempts.
		if errors.Is(err, ErrTargetNotAllowed) {
			break
		}
	}

	if !success && lastErr != nil {
		d.logger.Warn("webhook delivery failed",
			"webhook_id", hook.ID, "target", hook.TargetURL, "event", eventType, "error", lastErr)
	}
	if err := d.store.RecordWebhookResult(ctx, hook.ID, success, d.now().UTC()); err != nil {
		d.logger.Error("could not record webhook result", "webhook_id", hook.ID, "error", err)
	}
	return success
}

// retryDelay doubles per retry from the base, capped.
func (d *Dispatcher) retryDelay(retry int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// deliver posts one signed request to the target and reports the
// response status when one arrived.
func (d *Dispatcher) deliver(ctx context.Context, hook store.Webhook, eventType string, payload []byte) (*int, error) {
	if err := ValidateTargetURL(hook.TargetURL, d.cfg.AllowPrivateTargets); err != nil {
		return nil, err
	}

	timeout := time.Duration(hook.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := hook.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, hook.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}

	var extra map[string]string
	if len(hook.Headers) > 0 {
		if err := json.Unmarshal(hook.Headers, &extra); err != nil {
			d.logger.Warn("unreadable webhook headers, ignoring", "webhook_id", hook.ID, "error", err)
		}
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "junction-webhooks/1.0")
	req.Header.Set("X-Junction-Event", eventType)
	req.Header.Set("X-Junction-Webhook", hook.ID.String())
	if hook.Secret != "" {
		secret, err := d.secrets.Decrypt(hook.Secret)
		if err != nil {
			return nil, fmt.Errorf("decrypt webhook secret: %w", err)
		}
		req.Header.Set("X-Junction-Signature", "sha256="+SignHMACHex(payload, string(secret)))
	}

	resp, err := d.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver to %s: %w", hook.TargetURL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	status := resp.StatusCode
	if status < 200 || status >= 300 {
		return &status, fmt.Errorf("target answered %s", resp.Status)
	}
	return &status, nil
}

// ValidateTargetURL rejects outbound targets that could reach internal
// infrastructure: non-HTTPS schemes, bare hosts without a registrable
// domain, loopback and private addresses. allowPrivate relaxes all of
// that for development.
func ValidateTargetURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetNotAllowed, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrTargetNotAllowed)
	}

	if allowPrivate {
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("%w: scheme %q", ErrTargetNotAllowed, u.Scheme)
		}
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrTargetNotAllowed)
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: address %s is not public", ErrTargetNotAllowed, host)
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("%w: host %s is not public", ErrTargetNotAllowed, host)
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(host); err != nil {
		return fmt.Errorf("%w: host %s has no registrable domain", ErrTargetNotAllowed, host)
	}
	return nil
}
