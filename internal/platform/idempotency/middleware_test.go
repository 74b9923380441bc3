package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carawoo/mereal/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newOrderRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
}

func TestMiddleware_MissingHeader(t *testing.T) {
	handlerCalled := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", `{"paperSize":"A4"}`))

	if handlerCalled {
		t.Fatal("handler should not be invoked when header is missing")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "validation", "idempotency_key_required")
}

func TestMiddleware_SkipsSafeMethods(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if !called {
		t.Fatal("expected GET to bypass the middleware")
	}
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"success":true,"data":{"id":"ord_1"}}`))
		}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest("abc-123", `{"paperSize":"A4"}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest("abc-123", `{"paperSize":"A4"}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header to be present")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected response body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
}

func TestMiddleware_KeysAreScopedPerUser(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("shared", `{}`))
	other := newOrderRequest("shared", `{}`)
	other = other.WithContext(auth.WithIdentity(other.Context(), &auth.Identity{UID: "user-2"}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, other)

	if calls != 2 || rr.Code != http.StatusCreated {
		t.Fatalf("expected each user to own their key, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMiddleware_ConflictingFingerprintReturnsConflict(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("same-key", `{"copies":1}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("same-key", `{"copies":2}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "conflict", "idempotency_key_conflict")
}

func TestMiddleware_PendingReservationReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler should not be invoked when reservation pending")
		}))

	req := newOrderRequest("pending-key", `{"copies":1}`)
	body, err := readAndReplayBody(req)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	requester := extractRequester(req.Context())
	fingerprint := requestFingerprint(req, body, requester)
	if _, err := store.Reserve(req.Context(), requester+"|pending-key", fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending reservation, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "conflict", "idempotency_in_progress")
}

func TestMiddleware_ServerErrorsReleaseKey(t *testing.T) {
	store := NewMemoryStore()
	var calls int
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest("retry-key", `{}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest("retry-key", `{}`))

	if rr1.Code != http.StatusServiceUnavailable || rr2.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after 503, got %d then %d (calls=%d)", rr1.Code, rr2.Code, calls)
	}
}

func TestMiddleware_SaveFailureRollsBackReservation(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("fail-key", `{}`))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "persistence", "idempotency_store_error")
	if !store.released {
		t.Fatalf("expected reservation to be released on failure")
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); err != nil {
			t.Fatalf("reserve %s: %v", key, err)
		}
	}
	if _, err := store.Reserve(ctx, "fresh", "fp", fixedTime.Add(time.Hour), time.Hour); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	sweeper := NewSweeper(store, 2, nil)
	sweeper.clock = func() time.Time { return fixedTime.Add(10 * time.Minute) }
	removed, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 3 || store.Len() != 1 {
		t.Fatalf("expected 3 removed and 1 kept, got %d removed %d kept", removed, store.Len())
	}

	counters, err := sweeper.Task(ctx)
	if err != nil || counters["deleted"] != 0 {
		t.Fatalf("expected empty second sweep, got %v %v", counters, err)
	}
}

type stubStore struct {
	failSave bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, kind, reason string) {
	t.Helper()

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Kind    string         `json:"kind"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Success || body.Error.Kind != kind {
		t.Fatalf("expected kind %s, got %+v", kind, body)
	}
	if body.Error.Details["reason"] != reason {
		t.Fatalf("expected reason %s, got %v", reason, body.Error.Details["reason"])
	}
}
