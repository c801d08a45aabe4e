package idempotency

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
)

func post(h http.Handler, path, key, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Replay(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var calls int32
	h := Middleware(store, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/v1/payments/tkn_1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int32{"call": n})
	}))

	tests := []struct {
		name       string
		path, key  string
		user       string
		wantReplay bool
		wantCalls  int32
	}{
		{"no key passes through", "/v1/payments", "", "", false, 1},
		{"first keyed request", "/v1/payments", "abc", "user-1", false, 2},
		{"same key replays", "/v1/payments", "abc", "user-1", true, 2},
		{"other user is a new request", "/v1/payments", "abc", "user-2", false, 3},
		{"other path is a new request", "/v1/withdrawals", "abc", "user-1", false, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, tt.path, tt.key, tt.user)
			if rec.Code != http.StatusCreated {
				t.Fatalf("status = %d, want 201", rec.Code)
			}
			if got := rec.Header().Get(ReplayHeader) == "true"; got != tt.wantReplay {
				t.Errorf("replay = %v, want %v", got, tt.wantReplay)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}

	rec := post(h, "/v1/payments", "abc", "user-1")
	if rec.Header().Get("Location") != "/v1/payments/tkn_1" {
		t.Errorf("replayed Location = %q", rec.Header().Get("Location"))
	}
	if !strings.Contains(rec.Body.String(), `"call":2`) {
		t.Errorf("replayed body = %s, want the first keyed response", rec.Body.String())
	}
}

func TestMiddleware_ErrorsAreNotCached(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var calls int32
	h := Middleware(store, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeGatewayUnavailable, "try later")
	}))

	post(h, "/v1/payments", "k", "")
	rec := post(h, "/v1/payments", "k", "")
	if rec.Header().Get(ReplayHeader) != "" {
		t.Error("error responses must not be replayed")
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestMiddleware_ConcurrentSameKeyConflicts(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h := Middleware(store, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post(h, "/v1/payments", "dup", "") }()
	<-entered

	rec := post(h, "/v1/payments", "dup", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("concurrent status = %d, want 409", rec.Code)
	}
	var body apierrors.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != apierrors.ErrCodeIdempotencyConflict {
		t.Errorf("code = %s", body.Error.Code)
	}

	close(release)
	if first := <-done; first.Code != http.StatusCreated {
		t.Errorf("first status = %d, want 201", first.Code)
	}
	if rec := post(h, "/v1/payments", "dup", ""); rec.Header().Get(ReplayHeader) != "true" {
		t.Error("expected replay once the first request finished")
	}
}
