package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB. Purchase credits and withdrawal
// settlements run in multi-document transactions, so the deployment must be a
// replica set.
type MongoDBStore struct {
	client      *mongo.Client
	db          *mongo.Database
	sessions    *mongo.Collection
	events      *mongo.Collection
	entries     *mongo.Collection
	wallets     *mongo.Collection
	withdrawals *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect error is not actionable here; the ping failure is what the caller needs.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoDBStore{
		client:      client,
		db:          db,
		sessions:    db.Collection("payment_sessions"),
		events:      db.Collection("webhook_events"),
		entries:     db.Collection("ledger_entries"),
		wallets:     db.Collection("wallets"),
		withdrawals: db.Collection("withdrawals"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// createIndexes creates necessary indexes for collections.
// _id carries the natural key for sessions (reference), wallets (user id) and withdrawals (id).
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payment session indexes: %w", err)
	}

	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider_event_id", Value: 1}, {Key: "processed", Value: 1}}},
		{Keys: bson.D{{Key: "received_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create webhook event indexes: %w", err)
	}

	// unique_key is only set on purchase and withdrawal entries.
	_, err = s.entries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "unique_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"unique_key": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "reference_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create ledger entry indexes: %w", err)
	}

	_, err = s.withdrawals.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "reference", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "teacher_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create withdrawal indexes: %w", err)
	}

	return nil
}

// Document shapes. Decimals are stored as strings to keep exact values.

type mongoSession struct {
	Reference             string            `bson:"_id"`
	UserID                string            `bson:"user_id"`
	Email                 string            `bson:"email"`
	AmountUSD             string            `bson:"amount_usd"`
	Currency              string            `bson:"currency"`
	SettlementAmount      string            `bson:"settlement_amount"`
	AmountMinor           int64             `bson:"amount_minor"`
	Tokens                int64             `bson:"tokens"`
	Status                string            `bson:"status"`
	AuthorizationURL      string            `bson:"authorization_url"`
	AccessCode            string            `bson:"access_code"`
	ProviderTransactionID string            `bson:"provider_transaction_id"`
	FailureReason         string            `bson:"failure_reason"`
	Metadata              map[string]string `bson:"metadata,omitempty"`
	CreatedAt             time.Time         `bson:"created_at"`
	UpdatedAt             time.Time         `bson:"updated_at"`
	CompletedAt           *time.Time        `bson:"completed_at,omitempty"`
}

type mongoEvent struct {
	ID              string     `bson:"_id"`
	Provider        string     `bson:"provider"`
	EventType       string     `bson:"event_type"`
	ProviderEventID string     `bson:"provider_event_id"`
	Reference       string     `bson:"reference"`
	RawData         []byte     `bson:"raw_data"`
	Processed       bool       `bson:"processed"`
	ProcessedAt     *time.Time `bson:"processed_at,omitempty"`
	Attempts        int        `bson:"attempts"`
	LastError       string     `bson:"last_error"`
	ReceivedAt      time.Time  `bson:"received_at"`
}

type mongoEntry struct {
	ID                    string    `bson:"_id"`
	UniqueKey             string    `bson:"unique_key,omitempty"`
	UserID                string    `bson:"user_id"`
	Type                  string    `bson:"type"`
	AmountTokens          int64     `bson:"amount_tokens"`
	AmountUSD             string    `bson:"amount_usd"`
	ReferenceID           string    `bson:"reference_id"`
	ProviderTransactionID string    `bson:"provider_transaction_id"`
	Status                string    `bson:"status"`
	CreatedAt             time.Time `bson:"created_at"`
}

type mongoWallet struct {
	UserID       string    `bson:"_id"`
	TokenBalance int64     `bson:"token_balance"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type mongoWithdrawal struct {
	ID                    string     `bson:"_id"`
	TeacherID             string     `bson:"teacher_id"`
	Reference             string     `bson:"reference"`
	AmountTokens          int64      `bson:"amount_tokens"`
	AmountUSD             string     `bson:"amount_usd"`
	Currency              string     `bson:"currency"`
	AmountMinor           int64      `bson:"amount_minor"`
	RecipientCode         string     `bson:"recipient_code"`
	Status                string     `bson:"status"`
	ProviderTransactionID string     `bson:"provider_transaction_id"`
	FailureReason         string     `bson:"failure_reason"`
	CreatedAt             time.Time  `bson:"created_at"`
	UpdatedAt             time.Time  `bson:"updated_at"`
	CompletedAt           *time.Time `bson:"completed_at,omitempty"`
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toMongoSession(p PaymentSession) mongoSession {
	return mongoSession{
		Reference:             p.Reference,
		UserID:                p.UserID,
		Email:                 p.Email,
		AmountUSD:             p.AmountUSD.String(),
		Currency:              p.Currency,
		SettlementAmount:      p.SettlementAmount.String(),
		AmountMinor:           p.AmountMinor,
		Tokens:                p.Tokens,
		Status:                string(p.Status),
		AuthorizationURL:      p.AuthorizationURL,
		AccessCode:            p.AccessCode,
		ProviderTransactionID: p.ProviderTransactionID,
		FailureReason:         p.FailureReason,
		Metadata:              p.Metadata,
		CreatedAt:             p.CreatedAt.UTC(),
		UpdatedAt:             p.UpdatedAt.UTC(),
		CompletedAt:           p.CompletedAt,
	}
}

func (d mongoSession) toSession() PaymentSession {
	return PaymentSession{
		Reference:             d.Reference,
		UserID:                d.UserID,
		Email:                 d.Email,
		AmountUSD:             parseDecimal(d.AmountUSD),
		Currency:              d.Currency,
		SettlementAmount:      parseDecimal(d.SettlementAmount),
		AmountMinor:           d.AmountMinor,
		Tokens:                d.Tokens,
		Status:                SessionStatus(d.Status),
		AuthorizationURL:      d.AuthorizationURL,
		AccessCode:            d.AccessCode,
		ProviderTransactionID: d.ProviderTransactionID,
		FailureReason:         d.FailureReason,
		Metadata:              d.Metadata,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		CompletedAt:           d.CompletedAt,
	}
}

func (d mongoEvent) toEvent() WebhookEvent {
	return WebhookEvent{
		ID:              d.ID,
		Provider:        d.Provider,
		EventType:       d.EventType,
		ProviderEventID: d.ProviderEventID,
		Reference:       d.Reference,
		RawData:         d.RawData,
		Processed:       d.Processed,
		ProcessedAt:     d.ProcessedAt,
		Attempts:        d.Attempts,
		LastError:       d.LastError,
		ReceivedAt:      d.ReceivedAt,
	}
}

func toMongoEntry(e LedgerEntry) mongoEntry {
	doc := mongoEntry{
		ID:                    e.ID,
		UserID:                e.UserID,
		Type:                  string(e.Type),
		AmountTokens:          e.AmountTokens,
		AmountUSD:             e.AmountUSD.String(),
		ReferenceID:           e.ReferenceID,
		ProviderTransactionID: e.ProviderTransactionID,
		Status:                string(e.Status),
		CreatedAt:             e.CreatedAt.UTC(),
	}
	if uniqueEntryType(e.Type) {
		doc.UniqueKey = entryKey(e.Type, e.ReferenceID)
	}
	return doc
}

func (d mongoEntry) toEntry() LedgerEntry {
	return LedgerEntry{
		ID:                    d.ID,
		UserID:                d.UserID,
		Type:                  EntryType(d.Type),
		AmountTokens:          d.AmountTokens,
		AmountUSD:             parseDecimal(d.AmountUSD),
		ReferenceID:           d.ReferenceID,
		ProviderTransactionID: d.ProviderTransactionID,
		Status:                EntryStatus(d.Status),
		CreatedAt:             d.CreatedAt,
	}
}

func toMongoWithdrawal(w WithdrawalRequest) mongoWithdrawal {
	return mongoWithdrawal{
		ID:                    w.ID,
		TeacherID:             w.TeacherID,
		Reference:             w.Reference,
		AmountTokens:          w.AmountTokens,
		AmountUSD:             w.AmountUSD.String(),
		Currency:              w.Currency,
		AmountMinor:           w.AmountMinor,
		RecipientCode:         w.RecipientCode,
		Status:                string(w.Status),
		ProviderTransactionID: w.ProviderTransactionID,
		FailureReason:         w.FailureReason,
		CreatedAt:             w.CreatedAt.UTC(),
		UpdatedAt:             w.UpdatedAt.UTC(),
		CompletedAt:           w.CompletedAt,
	}
}

func (d mongoWithdrawal) toWithdrawal() WithdrawalRequest {
	return WithdrawalRequest{
		ID:                    d.ID,
		TeacherID:             d.TeacherID,
		Reference:             d.Reference,
		AmountTokens:          d.AmountTokens,
		AmountUSD:             parseDecimal(d.AmountUSD),
		Currency:              d.Currency,
		AmountMinor:           d.AmountMinor,
		RecipientCode:         d.RecipientCode,
		Status:                SessionStatus(d.Status),
		ProviderTransactionID: d.ProviderTransactionID,
		FailureReason:         d.FailureReason,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		CompletedAt:           d.CompletedAt,
	}
}

var openStatuses = bson.A{string(StatusPending), string(StatusProcessing)}

// CreateSession stores a new pending session.
func (s *MongoDBStore) CreateSession(ctx context.Context, session PaymentSession) error {
	if err := validateAndPrepareSession(&session, time.Now()); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.sessions.InsertOne(ctx, toMongoSession(session))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by reference.
func (s *MongoDBStore) GetSession(ctx context.Context, reference string) (PaymentSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoSession
	err := s.sessions.FindOne(ctx, bson.M{"_id": reference}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PaymentSession{}, ErrNotFound
	}
	if err != nil {
		return PaymentSession{}, fmt.Errorf("find session: %w", err)
	}
	return doc.toSession(), nil
}

// MarkSessionProcessing records the authorization URL on an open session.
func (s *MongoDBStore) MarkSessionProcessing(ctx context.Context, reference, authorizationURL, accessCode string, at time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": reference, "status": bson.M{"$in": openStatuses}},
		bson.M{"$set": bson.M{
			"status":            string(StatusProcessing),
			"authorization_url": authorizationURL,
			"access_code":       accessCode,
			"updated_at":        at.UTC(),
		}})
	if err != nil {
		return fmt.Errorf("mark session processing: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.GetSession(ctx, reference); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// FinalizeSession moves an open session to failed or cancelled.
func (s *MongoDBStore) FinalizeSession(ctx context.Context, reference string, outcome SessionOutcome) (bool, error) {
	if err := validateOutcome(&outcome, time.Now()); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":         string(outcome.Status),
		"failure_reason": outcome.FailureReason,
		"updated_at":     outcome.At.UTC(),
		"completed_at":   outcome.At.UTC(),
	}
	if outcome.ProviderTransactionID != "" {
		set["provider_transaction_id"] = outcome.ProviderTransactionID
	}
	result, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": reference, "status": bson.M{"$in": openStatuses}},
		bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.GetSession(ctx, reference); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListOpenSessions returns pending/processing sessions created before the cutoff, oldest first.
func (s *MongoDBStore) ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]PaymentSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.sessions.Find(ctx, bson.M{
		"status":     bson.M{"$in": openStatuses},
		"created_at": bson.M{"$lt": createdBefore.UTC()},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoSession
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	sessions := make([]PaymentSession, 0, len(docs))
	for _, doc := range docs {
		sessions = append(sessions, doc.toSession())
	}
	return sessions, nil
}

// SaveWebhookEvent appends a received delivery.
func (s *MongoDBStore) SaveWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, error) {
	if err := validateAndPrepareEvent(&event, time.Now()); err != nil {
		return WebhookEvent{}, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.events.InsertOne(ctx, mongoEvent{
		ID:              event.ID,
		Provider:        event.Provider,
		EventType:       event.EventType,
		ProviderEventID: event.ProviderEventID,
		Reference:       event.Reference,
		RawData:         event.RawData,
		Attempts:        event.Attempts,
		LastError:       event.LastError,
		ReceivedAt:      event.ReceivedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return WebhookEvent{}, ErrDuplicate
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("insert webhook event: %w", err)
	}
	return event, nil
}

// GetWebhookEvent retrieves a stored delivery.
func (s *MongoDBStore) GetWebhookEvent(ctx context.Context, id string) (WebhookEvent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoEvent
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("find webhook event: %w", err)
	}
	return doc.toEvent(), nil
}

// ListWebhookEvents lists stored deliveries, newest first.
func (s *MongoDBStore) ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]WebhookEvent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := bson.M{}
	if filter.Processed != nil {
		query["processed"] = *filter.Processed
	}
	if filter.EventType != "" {
		query["event_type"] = filter.EventType
	}
	order := -1
	if filter.OldestFirst {
		order = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: order}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.events.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	events := make([]WebhookEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.toEvent())
	}
	return events, nil
}

// MarkWebhookEventProcessed flags a delivery as applied.
func (s *MongoDBStore) MarkWebhookEventProcessed(ctx context.Context, id string, at time.Time) error {
	return s.updateEvent(ctx, id, bson.M{
		"$set": bson.M{"processed": true, "processed_at": at.UTC(), "last_error": ""},
		"$inc": bson.M{"attempts": 1},
	})
}

// MarkWebhookEventFailed records a failed processing attempt.
func (s *MongoDBStore) MarkWebhookEventFailed(ctx context.Context, id string, errMsg string) error {
	return s.updateEvent(ctx, id, bson.M{
		"$set": bson.M{"last_error": errMsg},
		"$inc": bson.M{"attempts": 1},
	})
}

func (s *MongoDBStore) updateEvent(ctx context.Context, id string, update bson.M) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.events.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// HasProcessedEvent reports whether any delivery with this provider event id was applied.
func (s *MongoDBStore) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	if providerEventID == "" {
		return false, nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	count, err := s.events.CountDocuments(ctx,
		bson.M{"provider_event_id": providerEventID, "processed": true},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return count > 0, nil
}

// ArchiveProcessedEvents deletes processed deliveries received before the cutoff.
func (s *MongoDBStore) ArchiveProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.events.DeleteMany(ctx, bson.M{
		"processed":   true,
		"received_at": bson.M{"$lt": olderThan.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("archive webhook events: %w", err)
	}
	return result.DeletedCount, nil
}

// insertUniqueEntry inserts an entry inside a transaction; a unique_key clash returns ErrDuplicate.
func (s *MongoDBStore) insertUniqueEntry(ctx context.Context, entry LedgerEntry) error {
	_, err := s.entries.InsertOne(ctx, toMongoEntry(entry))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *MongoDBStore) adjustBalance(ctx context.Context, userID string, delta int64, at time.Time) error {
	_, err := s.wallets.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"token_balance": delta}, "$set": bson.M{"updated_at": at.UTC()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("adjust wallet balance: %w", err)
	}
	return nil
}

// ApplyPurchaseCredit runs the credit in a transaction. Concurrent credits for
// the same reference conflict on the session document and the ledger unique index.
func (s *MongoDBStore) ApplyPurchaseCredit(ctx context.Context, credit PurchaseCredit) error {
	if credit.At.IsZero() {
		credit.At = time.Now()
	}
	entry := credit.Entry
	entry.Type = EntryPurchase
	if err := validateAndPrepareEntry(&entry, credit.At); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start mongodb session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var doc mongoSession
		err := s.sessions.FindOne(sc, bson.M{"_id": entry.ReferenceID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find session: %w", err)
		}
		switch st := SessionStatus(doc.Status); {
		case st == StatusCompleted:
			return nil, ErrDuplicate
		case st.IsTerminal():
			return nil, ErrTerminal
		}

		if err := s.insertUniqueEntry(sc, entry); err != nil {
			return nil, err
		}
		if err := s.adjustBalance(sc, entry.UserID, entry.AmountTokens, credit.At); err != nil {
			return nil, err
		}
		result, err := s.sessions.UpdateOne(sc,
			bson.M{"_id": entry.ReferenceID, "status": bson.M{"$in": openStatuses}},
			bson.M{"$set": bson.M{
				"status":                  string(StatusCompleted),
				"provider_transaction_id": entry.ProviderTransactionID,
				"failure_reason":          "",
				"updated_at":              credit.At.UTC(),
				"completed_at":            credit.At.UTC(),
			}})
		if err != nil {
			return nil, fmt.Errorf("complete session: %w", err)
		}
		if result.MatchedCount == 0 {
			return nil, ErrDuplicate
		}
		return nil, nil
	})
	return err
}

// GetLedgerEntry finds the entry recorded for (type, reference_id).
func (s *MongoDBStore) GetLedgerEntry(ctx context.Context, entryType EntryType, referenceID string) (LedgerEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoEntry
	err := s.entries.FindOne(ctx,
		bson.M{"type": string(entryType), "reference_id": referenceID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("find ledger entry: %w", err)
	}
	return doc.toEntry(), nil
}

// ListLedgerEntries returns a user's entries, newest first.
func (s *MongoDBStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.entries.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoEntry
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger entries: %w", err)
	}
	entries := make([]LedgerEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.toEntry())
	}
	return entries, nil
}

// GetWallet returns the user's balance, zero when the user has no activity.
func (s *MongoDBStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoWallet
	err := s.wallets.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Wallet{UserID: userID}, nil
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("find wallet: %w", err)
	}
	return Wallet{UserID: doc.UserID, TokenBalance: doc.TokenBalance, UpdatedAt: doc.UpdatedAt}, nil
}

// CreateWithdrawal stores a new pending withdrawal. Bumping reservation_seq on
// the wallet document makes concurrent transactions for the same teacher
// write-conflict, so only one of them commits against a given balance.
func (s *MongoDBStore) CreateWithdrawal(ctx context.Context, w WithdrawalRequest) error {
	if err := validateAndPrepareWithdrawal(&w, time.Now()); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start mongodb session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var wallet mongoWallet
		err := s.wallets.FindOneAndUpdate(sc,
			bson.M{"_id": w.TeacherID},
			bson.M{"$inc": bson.M{"reservation_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&wallet)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInsufficientFunds
		}
		if err != nil {
			return nil, fmt.Errorf("lock wallet: %w", err)
		}

		cursor, err := s.withdrawals.Find(sc, bson.M{
			"teacher_id": w.TeacherID,
			"status":     bson.M{"$in": openStatuses},
		})
		if err != nil {
			return nil, fmt.Errorf("find open withdrawals: %w", err)
		}
		var open []mongoWithdrawal
		if err := cursor.All(sc, &open); err != nil {
			return nil, fmt.Errorf("decode open withdrawals: %w", err)
		}
		reserved := int64(0)
		for _, doc := range open {
			reserved += doc.AmountTokens
		}
		if wallet.TokenBalance-reserved < w.AmountTokens {
			return nil, ErrInsufficientFunds
		}

		_, err = s.withdrawals.InsertOne(sc, toMongoWithdrawal(w))
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		if err != nil {
			return nil, fmt.Errorf("insert withdrawal: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *MongoDBStore) findWithdrawal(ctx context.Context, filter bson.M) (WithdrawalRequest, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoWithdrawal
	err := s.withdrawals.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return WithdrawalRequest{}, ErrNotFound
	}
	if err != nil {
		return WithdrawalRequest{}, fmt.Errorf("find withdrawal: %w", err)
	}
	return doc.toWithdrawal(), nil
}

// GetWithdrawal retrieves a withdrawal by ID.
func (s *MongoDBStore) GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error) {
	return s.findWithdrawal(ctx, bson.M{"_id": id})
}

// GetWithdrawalByReference retrieves a withdrawal by transfer reference.
func (s *MongoDBStore) GetWithdrawalByReference(ctx context.Context, reference string) (WithdrawalRequest, error) {
	return s.findWithdrawal(ctx, bson.M{"reference": reference})
}

// ListWithdrawals returns a teacher's withdrawals, newest first.
func (s *MongoDBStore) ListWithdrawals(ctx context.Context, teacherID string) ([]WithdrawalRequest, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cursor, err := s.withdrawals.Find(ctx, bson.M{"teacher_id": teacherID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoWithdrawal
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode withdrawals: %w", err)
	}
	out := make([]WithdrawalRequest, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toWithdrawal())
	}
	return out, nil
}

// transitionWithdrawal applies set when the document matches filter and
// classifies a miss.
func (s *MongoDBStore) transitionWithdrawal(ctx context.Context, id string, filter, set bson.M) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter["_id"] = id
	result, err := s.withdrawals.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	w, err := s.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return ErrTerminal
	}
	return ErrInvalidTransition
}

// ClaimWithdrawal moves pending -> processing ahead of the payout call.
func (s *MongoDBStore) ClaimWithdrawal(ctx context.Context, id string, at time.Time) error {
	return s.transitionWithdrawal(ctx, id,
		bson.M{"status": string(StatusPending)},
		bson.M{"status": string(StatusProcessing), "updated_at": at.UTC()})
}

// RecordWithdrawalTransfer stores the transfer code unless one is already set.
func (s *MongoDBStore) RecordWithdrawalTransfer(ctx context.Context, id, transferCode string, at time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.withdrawals.UpdateOne(ctx,
		bson.M{"_id": id, "provider_transaction_id": ""},
		bson.M{"$set": bson.M{"provider_transaction_id": transferCode, "updated_at": at.UTC()}})
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	if result.MatchedCount == 0 {
		_, err = s.GetWithdrawal(ctx, id)
		return err
	}
	return nil
}

// ReleaseWithdrawal returns a claimed withdrawal to pending.
func (s *MongoDBStore) ReleaseWithdrawal(ctx context.Context, id string, at time.Time) error {
	return s.transitionWithdrawal(ctx, id,
		bson.M{"status": string(StatusProcessing), "provider_transaction_id": ""},
		bson.M{"status": string(StatusPending), "updated_at": at.UTC()})
}

// CancelWithdrawal moves pending -> cancelled.
func (s *MongoDBStore) CancelWithdrawal(ctx context.Context, id string, at time.Time) error {
	return s.transitionWithdrawal(ctx, id,
		bson.M{"status": string(StatusPending)},
		bson.M{
			"status":       string(StatusCancelled),
			"updated_at":   at.UTC(),
			"completed_at": at.UTC(),
		})
}

// SettleWithdrawal finalizes a withdrawal and applies the debit when completed.
func (s *MongoDBStore) SettleWithdrawal(ctx context.Context, settlement WithdrawalSettlement) (bool, error) {
	if err := validateSettlement(&settlement, time.Now()); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return false, fmt.Errorf("start mongodb session: %w", err)
	}
	defer sess.EndSession(ctx)

	changed, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var doc mongoWithdrawal
		err := s.withdrawals.FindOne(sc, bson.M{"reference": settlement.Reference}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("find withdrawal: %w", err)
		}
		if SessionStatus(doc.Status).IsTerminal() {
			return false, nil
		}

		if settlement.Status == StatusCompleted {
			if err := s.insertUniqueEntry(sc, *settlement.Debit); err != nil {
				return false, err
			}
			debit := settlement.Debit
			result, err := s.wallets.UpdateOne(sc,
				bson.M{"_id": debit.UserID, "token_balance": bson.M{"$gte": -debit.AmountTokens}},
				bson.M{"$inc": bson.M{"token_balance": debit.AmountTokens}, "$set": bson.M{"updated_at": settlement.At.UTC()}})
			if err != nil {
				return false, fmt.Errorf("debit wallet: %w", err)
			}
			if result.MatchedCount == 0 {
				return false, ErrInsufficientFunds
			}
		}

		set := bson.M{
			"status":         string(settlement.Status),
			"failure_reason": settlement.FailureReason,
			"updated_at":     settlement.At.UTC(),
			"completed_at":   settlement.At.UTC(),
		}
		if settlement.ProviderTransactionID != "" {
			set["provider_transaction_id"] = settlement.ProviderTransactionID
		}
		result, err := s.withdrawals.UpdateOne(sc,
			bson.M{"_id": doc.ID, "status": bson.M{"$in": openStatuses}},
			bson.M{"$set": set})
		if err != nil {
			return false, fmt.Errorf("settle withdrawal: %w", err)
		}
		return result.MatchedCount > 0, nil
	})
	if err != nil {
		return false, err
	}
	ok, _ := changed.(bool)
	return ok, nil
}

// Ping checks database connectivity.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
