package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobbyclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

func startTestServer(t *testing.T, opts Options, register func(*http.ServeMux)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New("127.0.0.1:0", log, build, opts)
	if register != nil {
		register(srv.Mux())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, Options{
		Stats: func() (int, int) { return 2, 5 },
	}, nil)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		var body struct {
			Ready   bool `json:"ready"`
			Lobbies int  `json:"lobbies"`
			Clients int  `json:"clients"`
		}
		resp := getJSON(t, baseURL+"/readyz", &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if !body.Ready || body.Lobbies != 2 || body.Clients != 5 {
			t.Fatalf("body=%+v, want ready with 2 lobbies and 5 clients", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		resp := getJSON(t, baseURL+"/version", &got)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzBeforeServe(t *testing.T) {
	srv := New("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}, Options{})

	req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	baseURL := startTestServer(t, Options{}, nil)

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}

	resp = getJSON(t, baseURL+"/healthz", nil)
	if got := resp.Header.Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("generated X-Request-ID=%q, want a uuid", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.EventLobbyAnnounced)
	baseURL := startTestServer(t, Options{Metrics: m}, nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `aero_webrtc_lobby_relay_events_total{event="lobby_announced"} 1`) {
		t.Fatalf("metrics output missing lobby_announced counter:\n%s", body)
	}
}

func TestMetricsEndpointAbsentWithoutMetrics(t *testing.T) {
	baseURL := startTestServer(t, Options{}, nil)
	resp := getJSON(t, baseURL+"/metrics", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

func TestPanicRecovered(t *testing.T) {
	baseURL := startTestServer(t, Options{}, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})
	resp := getJSON(t, baseURL+"/boom", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}

// The relay's WebSocket endpoints must keep working behind the logging
// middleware, which wraps the ResponseWriter.
func TestSignalingThroughMiddleware(t *testing.T) {
	registry := lobby.NewRegistry(lobby.Options{})
	sig := signaling.NewServer(signaling.Config{Registry: registry})
	t.Cleanup(sig.Close)

	baseURL := startTestServer(t, Options{Stats: registry.Stats}, sig.RegisterRoutes)

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "Hello, world!\n" {
		t.Fatalf("root body=%q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	host, err := lobbyclient.DialHost(ctx, baseURL, "h1", "d1")
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer host.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := registry.Lookup(lobby.NewKey("h1", "d1")); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lobby never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client, err := lobbyclient.Join(ctx, baseURL, "h1", "d1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer client.Close()
	if client.ClientID() != wire.FirstClientID {
		t.Fatalf("client id=%d, want %d", client.ClientID(), wire.FirstClientID)
	}

	var ready struct {
		Lobbies int `json:"lobbies"`
		Clients int `json:"clients"`
	}
	getJSON(t, baseURL+"/readyz", &ready)
	if ready.Lobbies != 1 || ready.Clients != 1 {
		t.Fatalf("readyz=%+v, want 1 lobby and 1 client", ready)
	}
}
