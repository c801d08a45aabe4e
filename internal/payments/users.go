package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrUserNotFound is returned by a UserDirectory that does not know the user.
var ErrUserNotFound = errors.New("payments: user not found")

// UserDirectory resolves the email the gateway needs for a user. Profile
// management lives outside this service.
type UserDirectory interface {
	LookupEmail(ctx context.Context, userID string) (string, error)
}

// StaticDirectory is a fixed in-memory user directory.
type StaticDirectory struct {
	mu     sync.RWMutex
	emails map[string]string
}

// NewStaticDirectory copies the userID -> email map.
func NewStaticDirectory(emails map[string]string) *StaticDirectory {
	d := &StaticDirectory{emails: make(map[string]string, len(emails))}
	for id, email := range emails {
		d.emails[id] = email
	}
	return d
}

// Set records or replaces a user's email.
func (d *StaticDirectory) Set(userID, email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emails[userID] = strings.TrimSpace(email)
}

// LookupEmail implements UserDirectory.
func (d *StaticDirectory) LookupEmail(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	email, ok := d.emails[userID]
	if !ok || email == "" {
		return "", ErrUserNotFound
	}
	return email, nil
}
