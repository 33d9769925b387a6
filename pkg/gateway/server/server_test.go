package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/demardefrozen10/SENSE/pkg/detection"
	"github.com/demardefrozen10/SENSE/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		CORSAllowedOrigins:  map[string]struct{}{},
		WSPingInterval:      20 * time.Second,
		WSReadTimeout:       45 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		WSMaxMessageBytes:   1 << 20,
		WSConnectRPS:        100,
		WSConnectBurst:      100,
		WSMaxConnsPerClient: 8,
		InferenceInterval:   time.Second,
		ControlQueueSize:    32,
		PreviewInterval:     200 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := New(testConfig(), testLogger(), Deps{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_RoutesReachable(t *testing.T) {
	s := New(testConfig(), testLogger(), Deps{
		LatestDetection: detection.Clear,
	})

	cases := map[string]int{
		"/healthz":            http.StatusOK,
		"/readyz":             http.StatusOK,
		"/health":             http.StatusOK,
		"/detections":         http.StatusOK,
		"/detections/history": http.StatusServiceUnavailable,
		"/audio/latest":       http.StatusNoContent,
	}
	for path, want := range cases {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("%s status=%d, want %d body=%q", path, rr.Code, want, rr.Body.String())
		}
	}
}

func TestServer_LiveAliasesUpgrade(t *testing.T) {
	s := New(testConfig(), testLogger(), Deps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, path := range []string{"/ws/live", "/ws"} {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?role=viewer"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", path, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("%s read: %v", path, err)
		}
		if msg["type"] != "viewer_connected" {
			t.Fatalf("%s first msg=%v", path, msg)
		}
		_ = conn.Close()
	}
}

func TestServer_DrainWarnsAndCancelsLiveSessions(t *testing.T) {
	s := New(testConfig(), testLogger(), Deps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live?role=viewer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	for range 2 {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read join: %v", err)
		}
	}

	s.SetDraining()
	if n := s.WarnLiveSessionsDraining(); n != 1 {
		t.Fatalf("warned=%d, want 1", n)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read warning: %v", err)
	}
	if msg["type"] != "warning" || msg["message"] != DrainingMessage {
		t.Fatalf("msg=%v", msg)
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while draining status=%d", rr.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if s.WaitLiveSessions(ctx) {
		t.Fatalf("viewer still open but wait reported done")
	}
	if n := s.CancelLiveSessions(); n != 1 {
		t.Fatalf("canceled=%d, want 1", n)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if !s.WaitLiveSessions(waitCtx) {
		t.Fatalf("live session did not end after cancel")
	}
}
