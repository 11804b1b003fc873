package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/signflow/internal/model"
)

func testRateLimiterConfig(ownerBurst, signingBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		OwnerRate:       1,
		OwnerBurst:      ownerBurst,
		SigningRate:     1,
		SigningBurst:    signingBurst,
		CleanupInterval: time.Minute,
	}
}

func ownerRequest(ownerID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/envelopes", nil)
	return req.WithContext(ContextWithOwnerID(req.Context(), ownerID))
}

func TestOwnerMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 1))
	defer rl.Stop()

	calls := 0
	handler := rl.OwnerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, ownerRequest("owner-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestOwnerMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.OwnerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, ownerRequest("owner-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, ownerRequest("owner-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeTooManyRequests {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeTooManyRequests)
	}
}

func TestOwnerMiddleware_SeparateBucketsPerOwner(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.OwnerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, owner := range []string{"owner-a", "owner-b", "owner-c"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, ownerRequest(owner))
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", owner, w.Code, http.StatusOK)
		}
	}
	if got := rl.OwnerLimiterCount(); got != 3 {
		t.Errorf("OwnerLimiterCount = %d, want 3", got)
	}
}

func TestOwnerMiddleware_NoOwner_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.OwnerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/envelopes", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestSigningMiddleware_LimitsPerToken(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 2))
	defer rl.Stop()

	r := chi.NewRouter()
	r.Route("/sign/{token}", func(r chi.Router) {
		r.Use(rl.SigningMiddleware())
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	statuses := make([]int, 0, 4)
	for _, path := range []string{"/sign/aaa", "/sign/aaa", "/sign/aaa", "/sign/bbb"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		statuses = append(statuses, w.Code)
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusOK}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("request %d: status = %d, want %d", i, statuses[i], want[i])
		}
	}
	if got := rl.SigningLimiterCount(); got != 2 {
		t.Errorf("SigningLimiterCount = %d, want 2", got)
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	rl.owners.getOrCreate("stale")
	rl.owners.getOrCreate("fresh")
	rl.owners.mu.Lock()
	rl.owners.limiters["stale"].lastAccess = time.Now().Add(-time.Hour)
	rl.owners.mu.Unlock()

	rl.cleanup()

	if got := rl.OwnerLimiterCount(); got != 1 {
		t.Errorf("OwnerLimiterCount = %d, want 1", got)
	}
	rl.owners.mu.RLock()
	_, ok := rl.owners.limiters["fresh"]
	rl.owners.mu.RUnlock()
	if !ok {
		t.Error("fresh entry should survive cleanup")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

func TestPerMinute(t *testing.T) {
	if got := PerMinute(120); got != 2 {
		t.Errorf("PerMinute(120) = %v, want 2", got)
	}
}
