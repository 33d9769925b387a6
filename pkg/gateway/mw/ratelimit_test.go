package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/demardefrozen10/SENSE/pkg/gateway/ratelimit"
)

func TestConnLimit_Burst429IncludesRetryAfter(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})

	h := ConnLimit(lim, okHandler())

	{
		req := httptest.NewRequest(http.MethodGet, "/ws/live", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("first request status=%d body=%q", rr.Code, rr.Body.String())
		}
	}

	{
		req := httptest.NewRequest(http.MethodGet, "/ws/live", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status=%d body=%q", rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get("Retry-After"); got == "" {
			t.Fatalf("expected Retry-After header")
		}
		if body := rr.Body.String(); !strings.Contains(body, `"code":"rate_limited"`) {
			t.Fatalf("unexpected body: %q", body)
		}
	}
}

func TestConnLimit_ConcurrentConnections429(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{MaxConcurrent: 1})

	started := make(chan struct{})
	release := make(chan struct{})

	h := ConnLimit(lim, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	var firstCode int
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodGet, "/ws/live", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		firstCode = rr.Code
	}()

	<-started

	req2 := httptest.NewRequest(http.MethodGet, "/ws/live", nil)
	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%q", rr2.Code, rr2.Body.String())
	}

	close(release)
	wg.Wait()
	if firstCode != http.StatusOK {
		t.Fatalf("first request status=%d", firstCode)
	}
}

func TestConnLimit_NilLimiterPassesThrough(t *testing.T) {
	h := ConnLimit(nil, okHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/live", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}
