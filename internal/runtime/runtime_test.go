package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEngineByMode(t *testing.T) {
	engine, err := newEngine(config.STTConfig{Mode: "mock"}, nil, quietLogger())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, ok := engine.(*stt.MockEngine); !ok {
		t.Fatalf("expected mock engine, got %T", engine)
	}

	engine, err = newEngine(config.STTConfig{Mode: "exec", Command: "recognizer --device 'USB Mic'"}, nil, quietLogger())
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, ok := engine.(*stt.ExecEngine); !ok {
		t.Fatalf("expected exec engine, got %T", engine)
	}

	if _, err := newEngine(config.STTConfig{Mode: "exec", Command: "recognizer 'unterminated"}, nil, quietLogger()); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := newEngine(config.STTConfig{Mode: "carrier-pigeon"}, nil, quietLogger()); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	return cfg
}

func TestRuntimeServesHealthAndForm(t *testing.T) {
	rt := New(testConfig(t), "test", quietLogger(), WithTraceOutput(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	base := waitReady(t, rt, done)

	for path, want := range map[string]string{
		"/healthz": "ok",
		"/readyz":  "ready",
	} {
		body := get(t, base+path, http.StatusOK)
		if body != want {
			t.Fatalf("%s = %q, want %q", path, body, want)
		}
	}

	var view formView
	if err := json.Unmarshal([]byte(get(t, base+"/v1/form", http.StatusOK)), &view); err != nil {
		t.Fatalf("decode form: %v", err)
	}
	if len(view.Values) != 0 || view.Active != nil {
		t.Fatalf("unexpected form view %+v", view)
	}

	if metrics := get(t, base+"/metrics", http.StatusOK); !strings.Contains(metrics, "go_goroutines") {
		t.Fatalf("metrics endpoint missing runtime collectors")
	}
	if metrics := get(t, "http://"+rt.MetricsAddr()+"/metrics", http.StatusOK); !strings.Contains(metrics, "go_goroutines") {
		t.Fatalf("scrape listener missing runtime collectors")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime exited with error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}

func waitReady(t *testing.T, rt *Runtime, done <-chan error) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			t.Fatalf("runtime exited early: %v", err)
		default:
		}
		if addr := rt.Addr(); addr != "" && rt.ready.Load() {
			return "http://" + addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("runtime not ready")
	return ""
}

func get(t *testing.T, url string, wantStatus int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	return string(body)
}
