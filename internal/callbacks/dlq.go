package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DLQStore persists notifications that exhausted every delivery attempt.
type DLQStore interface {
	SaveFailedNotification(ctx context.Context, n FailedNotification) error
	ListFailedNotifications(ctx context.Context, limit int) ([]FailedNotification, error)
	DeleteFailedNotification(ctx context.Context, id string) error
}

// FailedNotification is one undeliverable notification.
type FailedNotification struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	EventType   string            `json:"eventType"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// NoopDLQStore discards failed notifications.
type NoopDLQStore struct{}

func (NoopDLQStore) SaveFailedNotification(context.Context, FailedNotification) error { return nil }
func (NoopDLQStore) ListFailedNotifications(context.Context, int) ([]FailedNotification, error) {
	return []FailedNotification{}, nil
}
func (NoopDLQStore) DeleteFailedNotification(context.Context, string) error { return nil }

// MemoryDLQStore keeps failed notifications in memory.
type MemoryDLQStore struct {
	mu    sync.RWMutex
	items map[string]FailedNotification
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{items: make(map[string]FailedNotification)}
}

func (m *MemoryDLQStore) SaveFailedNotification(_ context.Context, n FailedNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[n.ID] = n
	return nil
}

func (m *MemoryDLQStore) ListFailedNotifications(_ context.Context, limit int) ([]FailedNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.items, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedNotification(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// FileDLQStore keeps failed notifications in a JSON file rewritten on every change.
type FileDLQStore struct {
	mu       sync.RWMutex
	filePath string
	items    map[string]FailedNotification
}

// NewFileDLQStore opens or creates a file-backed DLQ.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath: filePath,
		items:    make(map[string]FailedNotification),
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create DLQ directory: %w", err)
		}
	}
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}
	return store, nil
}

func (f *FileDLQStore) SaveFailedNotification(_ context.Context, n FailedNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[n.ID] = n
	return f.persist()
}

func (f *FileDLQStore) ListFailedNotifications(_ context.Context, limit int) ([]FailedNotification, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return oldestFirst(f.items, limit), nil
}

func (f *FileDLQStore) DeleteFailedNotification(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return nil
	}
	delete(f.items, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	var items map[string]FailedNotification
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	// The file is indented; payloads go back to the compact bytes that were sent.
	for id, item := range items {
		var buf bytes.Buffer
		if err := json.Compact(&buf, item.Payload); err == nil {
			item.Payload = json.RawMessage(buf.Bytes())
			items[id] = item
		}
	}
	if items != nil {
		f.items = items
	}
	return nil
}

// persist writes a temp file and renames it over the original.
func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (f *FileDLQStore) Close() error {
	return nil
}

func oldestFirst(items map[string]FailedNotification, limit int) []FailedNotification {
	result := make([]FailedNotification, 0, len(items))
	for _, n := range items {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
