// Package webhook receives gateway deliveries: it verifies the signature,
// persists the raw body, parses it into a typed event and applies it.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/tokenpay/internal/auth"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/rs/zerolog"
)

// Provider is recorded on every stored event.
const Provider = "paystack"

var (
	// ErrMissingCredentials: no signature header, or no secret configured.
	ErrMissingCredentials = errors.New("webhook: missing signature credentials")
	// ErrInvalidSignature: the signature does not match the raw body.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// PersistenceError means the delivery could not be recorded. The gateway
// should redeliver.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("webhook: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Delivery is one inbound request.
type Delivery struct {
	RawBody   []byte
	Signature string
}

// Result describes a handled delivery.
type Result struct {
	EventID         string  `json:"eventId"`
	EventType       string  `json:"eventType"`
	ProviderEventID string  `json:"providerEventId,omitempty"`
	Reference       string  `json:"reference,omitempty"`
	Outcome         Outcome `json:"outcome"`
	Duplicate       bool    `json:"duplicate"`
}

// Receiver is the inbound webhook pipeline.
type Receiver struct {
	store     storage.Store
	secret    string
	processor *Processor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReceiver builds a Receiver. An empty secret rejects every delivery.
func NewReceiver(store storage.Store, secret string, processor *Processor, m *metrics.Metrics, log zerolog.Logger) *Receiver {
	return &Receiver{
		store:     store,
		secret:    secret,
		processor: processor,
		metrics:   m,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Receive authenticates, records and applies one delivery. Unauthenticated
// deliveries are never stored.
func (r *Receiver) Receive(ctx context.Context, d Delivery) (Result, error) {
	start := time.Now()

	if r.secret == "" || d.Signature == "" {
		r.metrics.ObserveWebhook("unknown", "missing_credentials", time.Since(start))
		r.logger.Warn().Msg("webhook.missing_credentials")
		return Result{}, ErrMissingCredentials
	}
	if !auth.VerifySignature(d.RawBody, d.Signature, r.secret) {
		r.metrics.ObserveWebhook("unknown", "invalid_signature", time.Since(start))
		r.logger.Warn().Int("body_bytes", len(d.RawBody)).Msg("webhook.invalid_signature")
		return Result{}, ErrInvalidSignature
	}

	event, parseErr := Parse(d.RawBody)
	if parseErr != nil {
		r.logger.Warn().Err(parseErr).Str("event_type", event.Type()).Msg("webhook.parse_failed")
	}

	stored, err := r.store.SaveWebhookEvent(ctx, storage.WebhookEvent{
		Provider:        Provider,
		EventType:       event.Type(),
		ProviderEventID: event.ProviderEventID(),
		Reference:       event.Reference(),
		RawData:         append([]byte(nil), d.RawBody...),
		ReceivedAt:      r.now(),
	})
	if err != nil {
		r.metrics.ObserveWebhook(event.Type(), "persist_failed", time.Since(start))
		r.logger.Error().Err(err).Str("event_type", event.Type()).Msg("webhook.persist_failed")
		return Result{}, &PersistenceError{Op: "save event", Err: err}
	}
	r.logger.Info().
		Str("event_id", stored.ID).
		Str("event_type", stored.EventType).
		Str("provider_event_id", stored.ProviderEventID).
		Msg("webhook.received")

	res, err := r.apply(ctx, stored, event)
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "failed"
	}
	r.metrics.ObserveWebhook(event.Type(), outcome, time.Since(start))
	return res, err
}

// Replay re-runs a stored event without re-verifying its signature.
// Already-processed events are reported as duplicates.
func (r *Receiver) Replay(ctx context.Context, id string) (Result, error) {
	stored, err := r.store.GetWebhookEvent(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := resultOf(stored)
	if stored.Processed {
		res.Outcome = OutcomeDuplicate
		res.Duplicate = true
		return res, nil
	}
	event, parseErr := Parse(stored.RawData)
	if parseErr != nil {
		r.logger.Warn().Err(parseErr).Str("event_id", id).Msg("webhook.replay.parse_failed")
	}
	start := time.Now()
	res, err = r.apply(ctx, stored, event)
	outcome := "replayed_" + string(res.Outcome)
	if err != nil {
		outcome = "replay_failed"
	}
	r.metrics.ObserveWebhook(event.Type(), outcome, time.Since(start))
	return res, err
}

// ReplayStats summarizes a ReplayPending run.
type ReplayStats struct {
	Attempted int `json:"attempted"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ReplayPending replays up to limit unprocessed events, oldest first.
func (r *Receiver) ReplayPending(ctx context.Context, limit int) (ReplayStats, error) {
	if limit <= 0 {
		limit = 100
	}
	pending := false
	events, err := r.store.ListWebhookEvents(ctx, storage.WebhookEventFilter{
		Processed:   &pending,
		Limit:       limit,
		OldestFirst: true,
	})
	if err != nil {
		return ReplayStats{}, fmt.Errorf("list pending events: %w", err)
	}

	var stats ReplayStats
	for _, event := range events {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++
		if _, err := r.Replay(ctx, event.ID); err != nil {
			stats.Failed++
			r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("webhook.replay_failed")
			continue
		}
		stats.Processed++
	}
	r.logger.Info().
		Int("attempted", stats.Attempted).
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Msg("webhook.replay_completed")
	return stats, nil
}

// apply runs the processor for a stored event and records the result on it.
func (r *Receiver) apply(ctx context.Context, stored storage.WebhookEvent, event Event) (Result, error) {
	res := resultOf(stored)
	log := r.logger.With().Str("event_id", stored.ID).Str("event_type", stored.EventType).Logger()

	already, err := r.store.HasProcessedEvent(ctx, stored.ProviderEventID)
	if err != nil {
		return res, &PersistenceError{Op: "check duplicate", Err: err}
	}
	if already {
		res.Outcome = OutcomeDuplicate
		res.Duplicate = true
		log.Info().Str("provider_event_id", stored.ProviderEventID).Msg("webhook.duplicate")
	} else {
		outcome, err := r.processor.Process(ctx, event)
		if err != nil {
			if markErr := r.store.MarkWebhookEventFailed(ctx, stored.ID, err.Error()); markErr != nil {
				log.Error().Err(markErr).Msg("webhook.mark_failed_error")
			}
			log.Error().Err(err).Msg("webhook.processing_failed")
			return res, err
		}
		res.Outcome = outcome
		res.Duplicate = outcome == OutcomeDuplicate
	}

	if err := r.store.MarkWebhookEventProcessed(ctx, stored.ID, r.now()); err != nil {
		return res, &PersistenceError{Op: "mark processed", Err: err}
	}
	log.Info().Str("outcome", string(res.Outcome)).Msg("webhook.processed")
	return res, nil
}

func resultOf(e storage.WebhookEvent) Result {
	return Result{
		EventID:         e.ID,
		EventType:       e.EventType,
		ProviderEventID: e.ProviderEventID,
		Reference:       e.Reference,
	}
}
