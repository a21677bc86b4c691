// Package webhook ingests signed Lemon Squeezy deliveries into license
// snapshots.
//
// Every verified delivery is appended to the audit trail exactly once, keyed
// by its delivery id. A second dedup layer keyed by the logical business key
// keeps the same state change from being applied twice when the provider
// resends it under a new delivery id.
package webhook

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/metrics"
	"github.com/example/licensing/internal/store"
)

// Outcome says what a delivery did. None of them is an error.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicateDelivery Outcome = "duplicate_delivery"
	OutcomeDuplicateState    Outcome = "duplicate_state"
	// OutcomeRecorded means the event was stored but carried no license
	// snapshot to apply.
	OutcomeRecorded Outcome = "recorded"
)

// Result describes one processed delivery.
type Result struct {
	Identity
	Outcome   Outcome
	LicenseID string
	// Changed is false when an older snapshot lost to the stored one.
	Changed bool
}

type Engine struct {
	store   store.Store
	secret  string
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(st store.Store, secret string, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		secret: secret,
		log:    logger.Named("webhook"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ingest verifies, identifies and applies one delivery. raw must be the
// exact request body. An error means nothing was persisted.
func (e *Engine) Ingest(ctx context.Context, raw []byte, signature string, h http.Header) (*Result, error) {
	if err := VerifySignature(raw, signature, e.secret); err != nil {
		e.metrics.WebhookDelivery("rejected")
		if err == ErrSecretMissing {
			e.log.Error("webhook secret missing, delivery refused")
		}
		return nil, err
	}

	p, ok := Parse(raw)
	res := &Result{Identity: Identify(h, &p, raw)}
	lic := p.License()
	if !ok {
		e.log.Warn("unparseable webhook body recorded", logger.DeliveryID(res.DeliveryID))
	}

	now := e.now()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		inserted, err := tx.InsertEventIfAbsent(ctx, &store.WebhookEvent{
			ID:         res.DeliveryID,
			ReceivedAt: now,
			EventName:  res.EventName,
			Payload:    raw,
		})
		if err != nil {
			return err
		}
		if !inserted {
			res.Outcome = OutcomeDuplicateDelivery
			return nil
		}

		claimed, err := tx.ClaimLogicalKey(ctx, res.LogicalKey, res.DeliveryID, now)
		if err != nil {
			return err
		}
		if !claimed {
			res.Outcome = OutcomeDuplicateState
			return tx.MarkEventApplied(ctx, res.DeliveryID)
		}

		res.Outcome = OutcomeRecorded
		if lic != nil {
			changed, err := tx.UpsertLicense(ctx, lic, now)
			if err != nil {
				return err
			}
			res.Outcome = OutcomeApplied
			res.LicenseID = lic.ID
			res.Changed = changed
		}
		return tx.MarkEventApplied(ctx, res.DeliveryID)
	})
	if err != nil {
		e.metrics.WebhookDelivery("failed")
		e.log.Error("webhook apply failed",
			logger.DeliveryID(res.DeliveryID),
			logger.Event(res.EventName),
			logger.Err(err),
		)
		return nil, err
	}

	e.metrics.WebhookDelivery(string(res.Outcome))
	fields := []zap.Field{
		logger.DeliveryID(res.DeliveryID),
		logger.Event(res.EventName),
		logger.Outcome(string(res.Outcome)),
	}
	if res.LicenseID != "" {
		fields = append(fields, logger.LicenseID(res.LicenseID), zap.Bool("changed", res.Changed))
	}
	e.log.Info("webhook processed", fields...)
	return res, nil
}
