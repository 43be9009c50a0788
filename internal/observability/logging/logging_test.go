package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return payload
}

func TestNewRespectsWriterAndService(t *testing.T) {
	var buf bytes.Buffer

	New(Config{Writer: &buf, Service: "repository"}).Info("hello")

	payload := decodeLine(t, &buf)
	if payload["service"] != "repository" {
		t.Fatalf("service = %v, want repository", payload["service"])
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "warning", want: slog.LevelWarn},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "info", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "verbose", want: slog.LevelInfo},
		{input: " DeBuG ", want: slog.LevelDebug},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(logger, "gateway").Info("component set")

	if payload := decodeLine(t, &buf); payload["component"] != "gateway" {
		t.Fatalf("component = %v, want gateway", payload["component"])
	}
	if got := WithComponent(nil, "anything"); got != nil {
		t.Fatalf("expected nil logger, got %v", got)
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithFilePath(ctx, "a/b.wav")
	ctx = ContextWithFilePath(ctx, "  ")

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	payload := decodeLine(t, &buf)
	if payload["request_id"] != "req-1" {
		t.Fatalf("request_id = %v, want req-1", payload["request_id"])
	}
	if payload["file_path"] != "a/b.wav" {
		t.Fatalf("file_path = %v, want a/b.wav", payload["file_path"])
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(original)
	})

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatal("expected Init to replace the default logger")
	}

	slog.Info("hello world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected text output to include message, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

	req := httptest.NewRequest(http.MethodPost, "/files/upload", nil)
	req.RemoteAddr = "127.0.0.1:1234"

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeLine(t, &buf)
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("status = %v, want %d", payload["status"], http.StatusAccepted)
	}
	if payload["bytes"] != float64(2) {
		t.Fatalf("bytes = %v, want 2", payload["bytes"])
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("remote_addr = %v", payload["remote_addr"])
	}
}

func TestRequestLoggerQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz"}})

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if buf.Len() != 0 {
		t.Fatalf("expected probe request to be logged at debug, got %q", buf.String())
	}
}
