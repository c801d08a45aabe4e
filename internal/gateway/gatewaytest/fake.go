// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/CedrosPay/tokenpay/internal/gateway"
)

// Fake records calls and answers from configurable state. The zero value is not
// usable; call New.
type Fake struct {
	mu           sync.Mutex
	transactions map[string]gateway.Transaction
	customers    map[string]gateway.Customer
	transfers    map[string]gateway.Transfer
	nextID       int64

	InitializeErr error
	VerifyErr     error
	CustomerErr   error
	TransferErr   error

	Initialized []gateway.InitializeRequest
	VerifyCalls int
	Transfers   []gateway.TransferRequest
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		transactions: make(map[string]gateway.Transaction),
		customers:    make(map[string]gateway.Customer),
		transfers:    make(map[string]gateway.Transfer),
		nextID:       1000,
	}
}

// Initialize records the request and creates an "ongoing" transaction.
func (f *Fake) Initialize(_ context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Initialized = append(f.Initialized, req)
	if f.InitializeErr != nil {
		return gateway.InitializeResult{}, f.InitializeErr
	}
	f.nextID++
	f.transactions[req.Reference] = gateway.Transaction{
		ID:          json.Number(strconv.FormatInt(f.nextID, 10)),
		Reference:   req.Reference,
		Status:      "ongoing",
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Metadata:    req.Metadata,
		Customer:    gateway.Customer{Email: req.Email},
	}
	return gateway.InitializeResult{
		AuthorizationURL: "https://checkout.example.test/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

// Verify returns the stored transaction or a 404 gateway error.
func (f *Fake) Verify(_ context.Context, reference string) (gateway.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VerifyCalls++
	if f.VerifyErr != nil {
		return gateway.Transaction{}, f.VerifyErr
	}
	tx, ok := f.transactions[reference]
	if !ok {
		return gateway.Transaction{}, &gateway.Error{Op: "verify", StatusCode: 404, Message: "Transaction reference not found", Err: gateway.ErrNotFound}
	}
	return tx, nil
}

// EnsureCustomer stores the customer when new.
func (f *Fake) EnsureCustomer(_ context.Context, c gateway.Customer) (gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CustomerErr != nil {
		return gateway.Customer{}, f.CustomerErr
	}
	if existing, ok := f.customers[c.Email]; ok {
		return existing, nil
	}
	f.nextID++
	c.ID = f.nextID
	c.CustomerCode = fmt.Sprintf("CUS_%d", f.nextID)
	f.customers[c.Email] = c
	return c, nil
}

// InitiateTransfer records the payout as pending.
func (f *Fake) InitiateTransfer(_ context.Context, req gateway.TransferRequest) (gateway.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transfers = append(f.Transfers, req)
	if f.TransferErr != nil {
		return gateway.Transfer{}, f.TransferErr
	}
	f.nextID++
	tr := gateway.Transfer{
		ID:           json.Number(strconv.FormatInt(f.nextID, 10)),
		TransferCode: fmt.Sprintf("TRF_%d", f.nextID),
		Reference:    req.Reference,
		Status:       "pending",
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		Reason:       req.Reason,
	}
	f.transfers[req.Reference] = tr
	return tr, nil
}

// SetStatus changes the gateway status of a transaction, creating it if needed.
func (f *Fake) SetStatus(reference, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[reference]
	if !ok {
		f.nextID++
		tx = gateway.Transaction{ID: json.Number(strconv.FormatInt(f.nextID, 10)), Reference: reference}
	}
	tx.Status = status
	if status == "failed" {
		tx.GatewayResponse = "Declined"
	}
	f.transactions[reference] = tx
}

// SetTransaction replaces the stored transaction.
func (f *Fake) SetTransaction(tx gateway.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[tx.Reference] = tx
}

// Transaction returns the stored transaction.
func (f *Fake) Transaction(reference string) (gateway.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[reference]
	return tx, ok
}

// Transfer returns the recorded transfer for a reference.
func (f *Fake) Transfer(reference string) (gateway.Transfer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.transfers[reference]
	return tr, ok
}

// VerifyCount returns how many Verify calls were made.
func (f *Fake) VerifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.VerifyCalls
}
