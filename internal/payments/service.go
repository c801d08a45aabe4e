// Package payments runs the purchase side of the token economy: it opens
// payment sessions with the gateway and settles them from webhook or
// verification results through the idempotent wallet ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"regexp"
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
	"github.com/shopspring/decimal"
)

// Gateway is the subset of the gateway client the service drives.
type Gateway interface {
	Initialize(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error)
	Verify(ctx context.Context, reference string) (gateway.Transaction, error)
	EnsureCustomer(ctx context.Context, customer gateway.Customer) (gateway.Customer, error)
}

// Config wires a Service. Store, Gateway, Converter and Ledger are required.
type Config struct {
	Store           storage.Store
	Gateway         Gateway
	Converter       *money.Converter
	Ledger          *wallet.Ledger
	Notifier        callbacks.Notifier
	Users           UserDirectory
	Pricing         money.TokenPricing
	DefaultCurrency string
	CallbackURL     string
	SyncCustomers   bool
	// EnforcePriceMatch rejects purchases whose quoted USD amount differs from the token price.
	EnforcePriceMatch bool
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
}

// Service opens and settles payment sessions.
type Service struct {
	store             storage.Store
	gateway           Gateway
	converter         *money.Converter
	ledger            *wallet.Ledger
	notifier          callbacks.Notifier
	users             UserDirectory
	pricing           money.TokenPricing
	defaultCurrency   string
	callbackURL       string
	syncCustomers     bool
	enforcePriceMatch bool
	validate          *validator.Validate
	metrics           *metrics.Metrics
	logger            zerolog.Logger
	now               func() time.Time
}

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9._=-]+$`)

// NewService validates the wiring and builds a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("payments: store is required")
	case cfg.Gateway == nil:
		return nil, errors.New("payments: gateway is required")
	case cfg.Converter == nil:
		return nil, errors.New("payments: converter is required")
	case cfg.Ledger == nil:
		return nil, errors.New("payments: ledger is required")
	}
	if !cfg.Pricing.USDPerToken.IsPositive() {
		return nil, errors.New("payments: token price must be positive")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = callbacks.NoopNotifier{}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}

	v := validator.New()
	if err := v.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
		return referencePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("payments: register validation: %w", err)
	}

	return &Service{
		store:             cfg.Store,
		gateway:           cfg.Gateway,
		converter:         cfg.Converter,
		ledger:            cfg.Ledger,
		notifier:          cfg.Notifier,
		users:             cfg.Users,
		pricing:           cfg.Pricing,
		defaultCurrency:   strings.ToUpper(cfg.DefaultCurrency),
		callbackURL:       cfg.CallbackURL,
		syncCustomers:     cfg.SyncCustomers,
		enforcePriceMatch: cfg.EnforcePriceMatch,
		validate:          v,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// PurchaseRequest asks to buy Tokens for AmountUSD, settled in Currency.
// A zero AmountUSD is priced from the token price.
type PurchaseRequest struct {
	UserID      string            `json:"userId" validate:"required,max=128"`
	Email       string            `json:"email,omitempty" validate:"omitempty,email,max=254"`
	AmountUSD   decimal.Decimal   `json:"amountUsd"`
	Tokens      int64             `json:"tokens" validate:"required,gt=0"`
	Currency    string            `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Reference   string            `json:"reference,omitempty" validate:"omitempty,max=100,reference"`
	CallbackURL string            `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"max=20"`
}

// InitiatePurchase creates a pending session and initializes it with the
// gateway. When the gateway call fails the session stays pending and the
// gateway error is returned.
func (s *Service) InitiatePurchase(ctx context.Context, req PurchaseRequest) (storage.PaymentSession, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.defaultCurrency
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return storage.PaymentSession{}, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
	}
	if err := s.pricing.CheckPurchase(req.Tokens); err != nil {
		return storage.PaymentSession{}, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
	}

	amountUSD, err := s.priceRequest(req)
	if err != nil {
		return storage.PaymentSession{}, err
	}

	email := req.Email
	if email == "" {
		email, err = s.lookupEmail(ctx, req.UserID)
		if err != nil {
			return storage.PaymentSession{}, err
		}
	}

	conv, err := s.converter.Convert(amountUSD, req.Currency)
	if err != nil {
		return storage.PaymentSession{}, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
	}
	if conv.MinorUnits <= 0 {
		return storage.PaymentSession{}, fmt.Errorf("%w: amount converts to zero %s", ErrInvalidPurchase, conv.Currency)
	}

	reference := req.Reference
	if reference == "" {
		reference = "tkn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	log := s.logger.With().Str("reference", logger.TruncateReference(reference)).Str("user_id", req.UserID).Logger()

	if s.syncCustomers {
		if _, err := s.gateway.EnsureCustomer(ctx, gateway.Customer{Email: email}); err != nil {
			log.Warn().Err(err).Msg("payments.customer_sync_failed")
			return storage.PaymentSession{}, err
		}
	}

	now := s.now()
	session := storage.PaymentSession{
		Reference:        reference,
		UserID:           req.UserID,
		Email:            email,
		AmountUSD:        amountUSD,
		Currency:         conv.Currency,
		SettlementAmount: conv.Amount,
		AmountMinor:      conv.MinorUnits,
		Tokens:           req.Tokens,
		Status:           storage.StatusPending,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return storage.PaymentSession{}, ErrDuplicateReference
		}
		return storage.PaymentSession{}, fmt.Errorf("create session: %w", err)
	}
	s.metrics.ObserveSession(string(storage.StatusPending))

	meta := gateway.Metadata{
		gateway.MetaUserID: req.UserID,
		gateway.MetaTokens: req.Tokens,
	}
	for k, v := range req.Metadata {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.callbackURL
	}

	init, err := s.gateway.Initialize(ctx, gateway.InitializeRequest{
		Email:       email,
		AmountMinor: conv.MinorUnits,
		Currency:    conv.Currency,
		Reference:   reference,
		CallbackURL: callbackURL,
		Metadata:    meta,
	})
	if err != nil {
		log.Warn().Err(err).Msg("payments.initialize_failed")
		return storage.PaymentSession{}, err
	}

	if err := s.store.MarkSessionProcessing(ctx, reference, init.AuthorizationURL, init.AccessCode, s.now()); err != nil {
		if !errors.Is(err, storage.ErrTerminal) {
			return storage.PaymentSession{}, fmt.Errorf("record authorization url: %w", err)
		}
		// A webhook settled the session before we recorded the URL.
		log.Debug().Msg("payments.settled_before_processing")
	} else {
		s.metrics.ObserveSession(string(storage.StatusProcessing))
	}

	log.Info().
		Int64("tokens", req.Tokens).
		Str("amount_usd", amountUSD.StringFixed(2)).
		Str("currency", conv.Currency).
		Int64("amount_minor", conv.MinorUnits).
		Msg("payments.session_initialized")

	return s.store.GetSession(ctx, reference)
}

func (s *Service) priceRequest(req PurchaseRequest) (decimal.Decimal, error) {
	amount := req.AmountUSD
	if amount.IsZero() {
		return s.pricing.USDFor(req.Tokens), nil
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidPurchase)
	}
	if !amount.Equal(amount.Truncate(2)) {
		return decimal.Zero, fmt.Errorf("%w: amount has more than 2 decimal places", ErrInvalidPurchase)
	}
	if s.enforcePriceMatch {
		if err := s.pricing.CheckQuote(req.Tokens, amount); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
		}
	}
	return amount, nil
}

func (s *Service) lookupEmail(ctx context.Context, userID string) (string, error) {
	if s.users == nil {
		return "", ErrEmailUnavailable
	}
	email, err := s.users.LookupEmail(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", ErrEmailUnavailable
		}
		return "", fmt.Errorf("lookup email: %w", err)
	}
	if email == "" {
		return "", ErrEmailUnavailable
	}
	return email, nil
}

// Outcome is the coarse state shown to purchasers.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeOf collapses a session status onto the purchaser-facing outcome.
func OutcomeOf(status storage.SessionStatus) Outcome {
	switch status {
	case storage.StatusCompleted:
		return OutcomeCompleted
	case storage.StatusFailed:
		return OutcomeFailed
	case storage.StatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

// StatusView is the session-status answer returned to purchasers and pollers.
type StatusView struct {
	Reference        string                `json:"reference"`
	Status           storage.SessionStatus `json:"status"`
	Outcome          Outcome               `json:"outcome"`
	Tokens           int64                 `json:"tokens"`
	AmountUSD        decimal.Decimal       `json:"amountUsd"`
	Currency         string                `json:"currency"`
	AmountMinor      int64                 `json:"amountMinor"`
	AuthorizationURL string                `json:"authorizationUrl,omitempty"`
	UpdatedAt        time.Time             `json:"updatedAt"`
	CompletedAt      *time.Time            `json:"completedAt,omitempty"`
}

// Terminal reports whether the session can no longer change.
func (v StatusView) Terminal() bool {
	return v.Status.IsTerminal()
}

// ViewOf projects a stored session onto its status view.
func ViewOf(s storage.PaymentSession) StatusView {
	return StatusView{
		Reference:        s.Reference,
		Status:           s.Status,
		Outcome:          OutcomeOf(s.Status),
		Tokens:           s.Tokens,
		AmountUSD:        s.AmountUSD,
		Currency:         s.Currency,
		AmountMinor:      s.AmountMinor,
		AuthorizationURL: s.AuthorizationURL,
		UpdatedAt:        s.UpdatedAt,
		CompletedAt:      s.CompletedAt,
	}
}

// SessionStatus reads the stored session. It never calls the gateway.
func (s *Service) SessionStatus(ctx context.Context, reference string) (StatusView, error) {
	session, err := s.getSession(ctx, reference)
	if err != nil {
		return StatusView{}, err
	}
	return ViewOf(session), nil
}

// Session returns the full stored session.
func (s *Service) Session(ctx context.Context, reference string) (storage.PaymentSession, error) {
	return s.getSession(ctx, reference)
}

func (s *Service) getSession(ctx context.Context, reference string) (storage.PaymentSession, error) {
	session, err := s.store.GetSession(ctx, reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.PaymentSession{}, ErrSessionNotFound
		}
		return storage.PaymentSession{}, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

// VerifyAndReconcile asks the gateway for the transaction and applies a terminal
// result through the same idempotent path as webhooks. Terminal sessions are
// returned without a gateway call.
func (s *Service) VerifyAndReconcile(ctx context.Context, reference string) (StatusView, error) {
	session, err := s.getSession(ctx, reference)
	if err != nil {
		return StatusView{}, err
	}
	if session.Status.IsTerminal() {
		return ViewOf(session), nil
	}
	session, _, err = s.reconcile(ctx, session)
	if err != nil {
		return StatusView{}, err
	}
	return ViewOf(session), nil
}

// reconcile verifies one open session and applies the outcome. It returns the
// reloaded session and the gateway outcome.
func (s *Service) reconcile(ctx context.Context, session storage.PaymentSession) (storage.PaymentSession, gateway.Outcome, error) {
	tx, err := s.gateway.Verify(ctx, session.Reference)
	if err != nil {
		return session, "", err
	}

	outcome := tx.Outcome()
	switch outcome {
	case gateway.OutcomeCompleted:
		res, err := s.CompleteCharge(ctx, ChargeFromTransaction(tx, "verify"))
		switch {
		case err == nil:
			return res.Session, outcome, nil
		case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrSessionClosed):
			reloaded, getErr := s.getSession(ctx, session.Reference)
			return reloaded, outcome, getErr
		default:
			return session, outcome, err
		}
	case gateway.OutcomeFailed:
		res, err := s.FailCharge(ctx, session.Reference, tx.ID.String(), tx.FailureReason())
		if err != nil {
			return session, outcome, err
		}
		return res.Session, outcome, nil
	default:
		return session, outcome, nil
	}
}

// Charge is a successful payment reported by a webhook or a verification.
type Charge struct {
	Reference     string
	TransactionID string
	AmountMinor   int64
	Currency      string
	// UserID and Tokens echo the metadata sent at initialization. The stored
	// session stays authoritative; mismatches are only logged.
	UserID string
	Tokens int64
	Source string
}

// ChargeFromTransaction converts a verified transaction.
func ChargeFromTransaction(tx gateway.Transaction, source string) Charge {
	tokens, _ := tx.Metadata.Tokens()
	return Charge{
		Reference:     tx.Reference,
		TransactionID: tx.ID.String(),
		AmountMinor:   tx.AmountMinor,
		Currency:      tx.Currency,
		UserID:        tx.Metadata.UserID(),
		Tokens:        tokens,
		Source:        source,
	}
}

// ChargeResult reports what applying a charge did. Applied is false for
// duplicates and already-final sessions.
type ChargeResult struct {
	Applied bool
	Session storage.PaymentSession
}

// CompleteCharge credits the session's tokens exactly once and completes it.
func (s *Service) CompleteCharge(ctx context.Context, charge Charge) (ChargeResult, error) {
	session, err := s.getSession(ctx, charge.Reference)
	if err != nil {
		return ChargeResult{}, err
	}
	log := s.logger.With().
		Str("reference", logger.TruncateReference(charge.Reference)).
		Str("source", charge.Source).
		Logger()

	switch session.Status {
	case storage.StatusCompleted:
		log.Debug().Msg("payments.charge.duplicate")
		return ChargeResult{Applied: false, Session: session}, nil
	case storage.StatusFailed, storage.StatusCancelled:
		log.Warn().Str("status", string(session.Status)).Msg("payments.charge.session_closed")
		return ChargeResult{Session: session}, ErrSessionClosed
	}

	if charge.AmountMinor < session.AmountMinor ||
		(charge.Currency != "" && !strings.EqualFold(charge.Currency, session.Currency)) {
		reason := fmt.Sprintf("amount_mismatch: paid %d %s, expected %d %s",
			charge.AmountMinor, strings.ToUpper(charge.Currency), session.AmountMinor, session.Currency)
		log.Error().Str("reason", reason).Msg("payments.charge.amount_mismatch")
		if _, err := s.FailCharge(ctx, session.Reference, charge.TransactionID, reason); err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{}, ErrAmountMismatch
	}
	if charge.UserID != "" && charge.UserID != session.UserID {
		log.Warn().Str("metadata_user_id", charge.UserID).Msg("payments.charge.metadata_user_mismatch")
	}
	if charge.Tokens != 0 && charge.Tokens != session.Tokens {
		log.Warn().Int64("metadata_tokens", charge.Tokens).Int64("session_tokens", session.Tokens).Msg("payments.charge.metadata_tokens_mismatch")
	}

	credit, err := s.ledger.CreditPurchase(ctx, wallet.Credit{
		UserID:                session.UserID,
		Tokens:                session.Tokens,
		AmountUSD:             session.AmountUSD,
		Reference:             session.Reference,
		ProviderTransactionID: charge.TransactionID,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrSessionClosed) {
			return ChargeResult{}, ErrSessionClosed
		}
		return ChargeResult{}, err
	}

	updated, err := s.getSession(ctx, session.Reference)
	if err != nil {
		return ChargeResult{}, err
	}
	if credit.Applied {
		s.metrics.ObserveSession(string(storage.StatusCompleted))
		balance := int64(0)
		if w, err := s.ledger.Balance(ctx, session.UserID); err == nil {
			balance = w.TokenBalance
		}
		s.notifier.PurchaseCompleted(ctx, callbacks.PurchaseEvent{
			Reference:   session.Reference,
			UserID:      session.UserID,
			Tokens:      session.Tokens,
			AmountUSD:   session.AmountUSD,
			Currency:    session.Currency,
			AmountMinor: session.AmountMinor,
			Status:      string(storage.StatusCompleted),
			NewBalance:  balance,
		})
	}
	return ChargeResult{Applied: credit.Applied, Session: updated}, nil
}

// FailCharge fails an open session. Applied is false when it was already final.
func (s *Service) FailCharge(ctx context.Context, reference, transactionID, reason string) (ChargeResult, error) {
	return s.finalize(ctx, reference, storage.SessionOutcome{
		Status:                storage.StatusFailed,
		ProviderTransactionID: transactionID,
		FailureReason:         reason,
	})
}

// abandonSession closes an open session the gateway reports as abandoned.
// A purchaser leaving checkout never reaches here: the session stays open
// so a late charge.success still credits it.
func (s *Service) abandonSession(ctx context.Context, reference, reason string) (ChargeResult, error) {
	return s.finalize(ctx, reference, storage.SessionOutcome{
		Status:        storage.StatusCancelled,
		FailureReason: reason,
	})
}

func (s *Service) finalize(ctx context.Context, reference string, outcome storage.SessionOutcome) (ChargeResult, error) {
	outcome.At = s.now()
	changed, err := s.store.FinalizeSession(ctx, reference, outcome)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChargeResult{}, ErrSessionNotFound
		}
		return ChargeResult{}, fmt.Errorf("finalize session: %w", err)
	}
	session, err := s.getSession(ctx, reference)
	if err != nil {
		return ChargeResult{}, err
	}
	if changed {
		s.metrics.ObserveSession(string(outcome.Status))
		s.logger.Info().
			Str("reference", logger.TruncateReference(reference)).
			Str("status", string(outcome.Status)).
			Str("reason", outcome.FailureReason).
			Msg("payments.session_closed")
		s.notifier.PurchaseFailed(ctx, callbacks.PurchaseEvent{
			Reference:     session.Reference,
			UserID:        session.UserID,
			Tokens:        session.Tokens,
			AmountUSD:     session.AmountUSD,
			Currency:      session.Currency,
			AmountMinor:   session.AmountMinor,
			Status:        string(session.Status),
			FailureReason: outcome.FailureReason,
		})
	}
	return ChargeResult{Applied: changed, Session: session}, nil
}

// Currencies returns the injected conversion table as decimal strings.
func (s *Service) Currencies() map[string]string {
	rates := s.converter.Rates()
	out := make(map[string]string, len(rates))
	for code, rate := range rates {
		out[code] = rate.String()
	}
	return out
}

// Pricing returns the token pricing in effect.
func (s *Service) Pricing() money.TokenPricing {
	return s.pricing
}
