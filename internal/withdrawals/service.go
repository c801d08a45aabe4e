// Package withdrawals moves teacher earnings out of the wallet:
// pending -> processing -> completed|failed, or pending -> cancelled.
// Completion and failure are driven only by transfer webhooks.
package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/tokenpay/internal/callbacks"
	"github.com/CedrosPay/tokenpay/internal/gateway"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/money"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/wallet"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound            = errors.New("withdrawals: not found")
	ErrInvalidRequest      = errors.New("withdrawals: invalid request")
	ErrInsufficientBalance = errors.New("withdrawals: insufficient balance")
	ErrInvalidTransition   = errors.New("withdrawals: invalid status transition")
)

// Transferer issues payouts through the gateway.
type Transferer interface {
	InitiateTransfer(ctx context.Context, req gateway.TransferRequest) (gateway.Transfer, error)
}

// Config wires a Service.
type Config struct {
	Store           storage.Store
	Gateway         Transferer
	Converter       *money.Converter
	Ledger          *wallet.Ledger
	Notifier        callbacks.Notifier
	Pricing         money.TokenPricing
	DefaultCurrency string
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

// Service runs the withdrawal lifecycle.
type Service struct {
	store           storage.Store
	gateway         Transferer
	converter       *money.Converter
	ledger          *wallet.Ledger
	notifier        callbacks.Notifier
	pricing         money.TokenPricing
	defaultCurrency string
	validate        *validator.Validate
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	now             func() time.Time
}

// NewService builds a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Gateway == nil || cfg.Converter == nil || cfg.Ledger == nil {
		return nil, errors.New("withdrawals: store, gateway, converter and ledger are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = callbacks.NoopNotifier{}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &Service{
		store:           cfg.Store,
		gateway:         cfg.Gateway,
		converter:       cfg.Converter,
		ledger:          cfg.Ledger,
		notifier:        cfg.Notifier,
		pricing:         cfg.Pricing,
		defaultCurrency: strings.ToUpper(cfg.DefaultCurrency),
		validate:        validator.New(),
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// Input is a payout request.
type Input struct {
	TeacherID     string `json:"teacherId" validate:"required,max=128"`
	AmountTokens  int64  `json:"amountTokens" validate:"required,gt=0"`
	Currency      string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	RecipientCode string `json:"recipientCode" validate:"required,max=64"`
}

// Request creates a pending withdrawal. The store checks the available balance
// (the wallet balance minus every withdrawal still pending or processing) in
// the same transaction as the insert.
func (s *Service) Request(ctx context.Context, in Input) (storage.WithdrawalRequest, error) {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = s.defaultCurrency
	}
	if err := s.validate.Struct(in); err != nil {
		return storage.WithdrawalRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.pricing.MinWithdrawal > 0 && in.AmountTokens < s.pricing.MinWithdrawal {
		return storage.WithdrawalRequest{}, fmt.Errorf("%w: minimum withdrawal is %d tokens", ErrInvalidRequest, s.pricing.MinWithdrawal)
	}

	amountUSD := s.pricing.USDFor(in.AmountTokens)
	conv, err := s.converter.Convert(amountUSD, in.Currency)
	if err != nil {
		return storage.WithdrawalRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.now()
	w := storage.WithdrawalRequest{
		ID:            uuid.NewString(),
		TeacherID:     in.TeacherID,
		Reference:     "wd_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		AmountTokens:  in.AmountTokens,
		AmountUSD:     amountUSD,
		Currency:      conv.Currency,
		AmountMinor:   conv.MinorUnits,
		RecipientCode: in.RecipientCode,
		Status:        storage.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			available, availErr := s.Available(ctx, in.TeacherID)
			if availErr != nil {
				return storage.WithdrawalRequest{}, ErrInsufficientBalance
			}
			return storage.WithdrawalRequest{}, fmt.Errorf("%w: %d tokens available", ErrInsufficientBalance, available)
		}
		return storage.WithdrawalRequest{}, fmt.Errorf("create withdrawal: %w", err)
	}
	s.metrics.ObserveWithdrawal(string(storage.StatusPending))
	s.logger.Info().
		Str("withdrawal_id", w.ID).
		Str("teacher_id", w.TeacherID).
		Int64("tokens", w.AmountTokens).
		Msg("withdrawal.requested")
	return w, nil
}

// Available returns the balance not already reserved by open withdrawals.
func (s *Service) Available(ctx context.Context, teacherID string) (int64, error) {
	wallet, err := s.ledger.Balance(ctx, teacherID)
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	open, err := s.store.ListWithdrawals(ctx, teacherID)
	if err != nil {
		return 0, fmt.Errorf("list withdrawals: %w", err)
	}
	reserved := int64(0)
	for _, w := range open {
		if !w.Status.IsTerminal() {
			reserved += w.AmountTokens
		}
	}
	return wallet.TokenBalance - reserved, nil
}

// StartPayout claims a pending withdrawal (pending -> processing) and then
// issues the gateway transfer. Once claimed it can no longer be cancelled.
// A rejected transfer returns the withdrawal to pending. A transfer with an
// unknown outcome leaves it processing with no transfer code; calling
// StartPayout again re-issues it under the same reference, which the gateway
// deduplicates.
func (s *Service) StartPayout(ctx context.Context, id string) (storage.WithdrawalRequest, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return storage.WithdrawalRequest{}, err
	}
	switch {
	case w.Status == storage.StatusPending:
		if err := s.store.ClaimWithdrawal(ctx, w.ID, s.now()); err != nil {
			return w, mapStoreErr(err)
		}
	case w.Status == storage.StatusProcessing && w.ProviderTransactionID == "":
		s.logger.Info().Str("withdrawal_id", w.ID).Msg("withdrawal.payout_resumed")
	default:
		return w, fmt.Errorf("%w: cannot start payout from %s", ErrInvalidTransition, w.Status)
	}
	log := s.logger.With().Str("withdrawal_id", w.ID).Logger()

	transfer, err := s.gateway.InitiateTransfer(ctx, gateway.TransferRequest{
		AmountMinor:   w.AmountMinor,
		Currency:      w.Currency,
		RecipientCode: w.RecipientCode,
		Reference:     w.Reference,
		Reason:        "Teacher payout",
	})
	if err != nil {
		if transferOutcomeUnknown(err) {
			log.Warn().Err(err).Msg("withdrawal.transfer_unconfirmed")
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return w, err
			}
			return current, err
		}
		log.Warn().Err(err).Msg("withdrawal.transfer_failed")
		if relErr := s.store.ReleaseWithdrawal(ctx, w.ID, s.now()); relErr != nil {
			log.Error().Err(relErr).Msg("withdrawal.release_failed")
		}
		return w, err
	}

	if err := s.store.RecordWithdrawalTransfer(ctx, w.ID, transfer.TransferCode, s.now()); err != nil {
		log.Error().Err(err).Str("transfer_code", transfer.TransferCode).Msg("withdrawal.record_transfer_failed")
	}
	s.metrics.ObserveWithdrawal(string(storage.StatusProcessing))
	log.Info().Str("transfer_code", transfer.TransferCode).Msg("withdrawal.processing")
	return s.Get(ctx, id)
}

// transferOutcomeUnknown reports whether the transfer request may have reached
// the gateway even though no answer came back.
func transferOutcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var gwErr *gateway.Error
	return errors.As(err, &gwErr) && (gwErr.Timeout() || (gwErr.StatusCode >= 500 && !gwErr.Unavailable()))
}

// Cancel moves a pending withdrawal to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (storage.WithdrawalRequest, error) {
	if err := s.store.CancelWithdrawal(ctx, id, s.now()); err != nil {
		return storage.WithdrawalRequest{}, mapStoreErr(err)
	}
	s.metrics.ObserveWithdrawal(string(storage.StatusCancelled))
	return s.Get(ctx, id)
}

// Settlement is the terminal result of a transfer.
type Settlement struct {
	Reference             string
	Success               bool
	ProviderTransactionID string
	FailureReason         string
}

// SettleResult reports whether the settlement changed the withdrawal.
type SettleResult struct {
	Changed    bool
	Withdrawal storage.WithdrawalRequest
}

// Settle finalizes a withdrawal by reference. Settling an already-final
// withdrawal is a no-op.
func (s *Service) Settle(ctx context.Context, st Settlement) (SettleResult, error) {
	w, err := s.store.GetWithdrawalByReference(ctx, st.Reference)
	if err != nil {
		return SettleResult{}, mapStoreErr(err)
	}
	log := s.logger.With().
		Str("withdrawal_id", w.ID).
		Str("reference", logger.TruncateReference(st.Reference)).
		Logger()
	if w.Status.IsTerminal() {
		log.Debug().Str("status", string(w.Status)).Msg("withdrawal.settle.duplicate")
		return SettleResult{Changed: false, Withdrawal: w}, nil
	}

	var changed bool
	if st.Success {
		res, err := s.ledger.DebitWithdrawal(ctx, wallet.Debit{
			TeacherID:             w.TeacherID,
			Tokens:                w.AmountTokens,
			AmountUSD:             w.AmountUSD,
			Reference:             w.Reference,
			ProviderTransactionID: st.ProviderTransactionID,
		})
		if err != nil {
			return SettleResult{}, err
		}
		changed = res.Applied
	} else {
		changed, err = s.store.SettleWithdrawal(ctx, storage.WithdrawalSettlement{
			Reference:             w.Reference,
			Status:                storage.StatusFailed,
			ProviderTransactionID: st.ProviderTransactionID,
			FailureReason:         st.FailureReason,
			At:                    s.now(),
		})
		if err != nil {
			return SettleResult{}, mapStoreErr(err)
		}
	}

	updated, err := s.store.GetWithdrawalByReference(ctx, st.Reference)
	if err != nil {
		return SettleResult{}, mapStoreErr(err)
	}
	if changed {
		s.metrics.ObserveWithdrawal(string(updated.Status))
		log.Info().Str("status", string(updated.Status)).Str("reason", st.FailureReason).Msg("withdrawal.settled")
		s.notifier.WithdrawalSettled(ctx, callbacks.WithdrawalEvent{
			WithdrawalID:          updated.ID,
			Reference:             updated.Reference,
			TeacherID:             updated.TeacherID,
			AmountTokens:          updated.AmountTokens,
			AmountUSD:             updated.AmountUSD,
			Status:                string(updated.Status),
			ProviderTransactionID: updated.ProviderTransactionID,
			FailureReason:         updated.FailureReason,
		})
	}
	return SettleResult{Changed: changed, Withdrawal: updated}, nil
}

// Get loads a withdrawal by ID.
func (s *Service) Get(ctx context.Context, id string) (storage.WithdrawalRequest, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return storage.WithdrawalRequest{}, mapStoreErr(err)
	}
	return w, nil
}

// List returns a teacher's withdrawals, newest first.
func (s *Service) List(ctx context.Context, teacherID string) ([]storage.WithdrawalRequest, error) {
	return s.store.ListWithdrawals(ctx, teacherID)
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrTerminal), errors.Is(err, storage.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case errors.Is(err, storage.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	default:
		return err
	}
}
