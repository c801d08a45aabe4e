package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/withdrawals"
	"github.com/rs/zerolog"
)

// Outcome describes what processing an event did. It is also the metrics label.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Purchases settles purchase sessions.
type Purchases interface {
	CompleteCharge(ctx context.Context, charge payments.Charge) (payments.ChargeResult, error)
	FailCharge(ctx context.Context, reference, transactionID, reason string) (payments.ChargeResult, error)
}

// Withdrawals settles payouts.
type Withdrawals interface {
	Settle(ctx context.Context, st withdrawals.Settlement) (withdrawals.SettleResult, error)
}

// Processor applies parsed events. A nil error means the delivery can be
// acknowledged; an error means it should be retried.
type Processor struct {
	purchases   Purchases
	withdrawals Withdrawals
	logger      zerolog.Logger
}

// NewProcessor builds a Processor. withdrawals may be nil, in which case
// transfer events are ignored.
func NewProcessor(purchases Purchases, w Withdrawals, log zerolog.Logger) *Processor {
	return &Processor{purchases: purchases, withdrawals: w, logger: log}
}

// Process dispatches on the concrete event type.
func (p *Processor) Process(ctx context.Context, event Event) (Outcome, error) {
	log := p.logger.With().
		Str("event_type", event.Type()).
		Str("reference", logger.TruncateReference(event.Reference())).
		Logger()

	switch e := event.(type) {
	case ChargeSuccess:
		return p.chargeSuccess(ctx, e, log)
	case ChargeFailed:
		return p.chargeFailed(ctx, e, log)
	case TransferSuccess:
		return p.settle(ctx, withdrawals.Settlement{
			Reference:             e.Ref,
			Success:               true,
			ProviderTransactionID: e.TransferCode,
		}, log)
	case TransferFailed:
		return p.settle(ctx, withdrawals.Settlement{
			Reference:             e.Ref,
			ProviderTransactionID: e.TransferCode,
			FailureReason:         e.Reason,
		}, log)
	default:
		log.Debug().Msg("webhook.event_ignored")
		return OutcomeIgnored, nil
	}
}

func (p *Processor) chargeSuccess(ctx context.Context, e ChargeSuccess, log zerolog.Logger) (Outcome, error) {
	res, err := p.purchases.CompleteCharge(ctx, payments.Charge{
		Reference:     e.Ref,
		TransactionID: e.TransactionID,
		AmountMinor:   e.AmountMinor,
		Currency:      e.Currency,
		UserID:        e.UserID,
		Tokens:        e.Tokens,
		Source:        "webhook",
	})
	switch {
	case errors.Is(err, payments.ErrSessionNotFound):
		log.Warn().Msg("webhook.charge.unknown_reference")
		return OutcomeIgnored, nil
	case errors.Is(err, payments.ErrSessionClosed):
		log.Warn().Msg("webhook.charge.session_closed")
		return OutcomeRejected, nil
	case errors.Is(err, payments.ErrAmountMismatch):
		log.Error().Int64("amount_minor", e.AmountMinor).Str("currency", e.Currency).Msg("webhook.charge.amount_mismatch")
		return OutcomeRejected, nil
	case err != nil:
		return "", fmt.Errorf("complete charge: %w", err)
	}
	if !res.Applied {
		return OutcomeDuplicate, nil
	}
	log.Info().Int64("tokens", res.Session.Tokens).Str("user_id", res.Session.UserID).Msg("webhook.charge.credited")
	return OutcomeApplied, nil
}

func (p *Processor) chargeFailed(ctx context.Context, e ChargeFailed, log zerolog.Logger) (Outcome, error) {
	res, err := p.purchases.FailCharge(ctx, e.Ref, e.TransactionID, e.Reason)
	switch {
	case errors.Is(err, payments.ErrSessionNotFound):
		log.Warn().Msg("webhook.charge.unknown_reference")
		return OutcomeIgnored, nil
	case err != nil:
		return "", fmt.Errorf("fail charge: %w", err)
	}
	if !res.Applied {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

func (p *Processor) settle(ctx context.Context, st withdrawals.Settlement, log zerolog.Logger) (Outcome, error) {
	if p.withdrawals == nil {
		log.Warn().Msg("webhook.transfer.withdrawals_disabled")
		return OutcomeIgnored, nil
	}
	res, err := p.withdrawals.Settle(ctx, st)
	switch {
	case errors.Is(err, withdrawals.ErrNotFound):
		log.Warn().Msg("webhook.transfer.unknown_reference")
		return OutcomeIgnored, nil
	case err != nil:
		return "", fmt.Errorf("settle withdrawal: %w", err)
	}
	if !res.Changed {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}
