package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agstudio/internal/observability/metrics"
)

type formPart struct {
	field       string
	filename    string
	contentType string
	data        string
}

func multipartRequest(t *testing.T, target string, parts []formPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, part := range parts {
		if part.filename == "" {
			if err := writer.WriteField(part.field, part.data); err != nil {
				t.Fatalf("write field: %v", err)
			}
			continue
		}
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="` + part.field + `"; filename="` + part.filename + `"`}
		header["Content-Type"] = []string{part.contentType}
		dst, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := io.WriteString(dst, part.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

type receivedPart struct {
	field       string
	filename    string
	contentType string
	data        string
}

func readParts(t *testing.T, r *http.Request) []receivedPart {
	t.Helper()
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		t.Errorf("parse content type: %v", err)
		return nil
	}
	reader := multipart.NewReader(r.Body, params["boundary"])
	var parts []receivedPart
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return parts
		}
		if err != nil {
			t.Errorf("next part: %v", err)
			return parts
		}
		data, _ := io.ReadAll(part)
		parts = append(parts, receivedPart{
			field:       part.FormName(),
			filename:    part.FileName(),
			contentType: part.Header.Get("Content-Type"),
			data:        string(data),
		})
	}
}

func TestEncodeMultipartOrder(t *testing.T) {
	body, contentType, err := encodeMultipart(Request{
		Prompt: "describe",
		Audios: []Part{{Filename: "a.wav", ContentType: "audio/wav", Data: []byte("A")}},
		Images: []Part{{Filename: `we"ird.png`, Data: []byte("I")}},
	})
	if err != nil {
		t.Fatalf("encodeMultipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	parts := readParts(t, req)

	want := []receivedPart{
		{field: "prompt", data: "describe"},
		{field: "images", filename: `we"ird.png`, contentType: "application/octet-stream", data: "I"},
		{field: "audios", filename: "a.wav", contentType: "audio/wav", data: "A"},
	}
	if len(parts) != len(want) {
		t.Fatalf("parts = %+v, want %+v", parts, want)
	}
	for i := range want {
		got := parts[i]
		if got.field != want[i].field || got.filename != want[i].filename || got.data != want[i].data {
			t.Fatalf("part %d = %+v, want %+v", i, got, want[i])
		}
		if want[i].contentType != "" && got.contentType != want[i].contentType {
			t.Fatalf("part %d content type = %q, want %q", i, got.contentType, want[i].contentType)
		}
	}
}

func TestRelayAcceptPreservesStatusAndContentType(t *testing.T) {
	var upstreamParts []receivedPart
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/music-caption" {
			t.Errorf("path = %s, want /music-caption", r.URL.Path)
		}
		upstreamParts = readParts(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Encoding", "identity")
		w.Header().Set("Content-Length", "11")
		w.Header().Set("X-Model-Version", "7")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "hello world")
	}))
	t.Cleanup(upstream.Close)

	handler, err := NewHandler(Config{MusicCaptionURL: upstream.URL + "/", MusicHighlightURL: upstream.URL})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	req := multipartRequest(t, "/music-caption", []formPart{
		{field: "prompt", data: "caption this"},
		{field: "audios", filename: "clip.wav", contentType: "audio/wav", data: "RIFF"},
	})
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", got)
	}
	if got := rec.Header().Get("X-Model-Version"); got != "7" {
		t.Fatalf("X-Model-Version = %q, want 7", got)
	}
	for _, name := range []string{"Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection"} {
		if got := rec.Header().Get(name); got != "" {
			t.Fatalf("%s = %q, want absent", name, got)
		}
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("expected the response to be flushed")
	}
	if len(upstreamParts) != 2 || upstreamParts[0].data != "caption this" || upstreamParts[1].filename != "clip.wav" || upstreamParts[1].contentType != "audio/wav" {
		t.Fatalf("upstream parts = %+v", upstreamParts)
	}
}

func TestRelayRejectMakesNoUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(upstream.Close)

	handler, err := NewHandler(Config{
		MusicCaptionURL:   upstream.URL,
		MusicHighlightURL: upstream.URL,
		Policy:            PolicyFunc(func(Request) bool { return false }),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, multipartRequest(t, "/music-caption", []formPart{
		{field: "prompt", data: "p"},
		{field: "audios", filename: "a.wav", contentType: "audio/wav", data: "x"},
	}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), RejectMessage) {
		t.Fatalf("body = %q, want reject message", rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Fatalf("upstream calls = %d, want 0", calls.Load())
	}
}

type countingBody struct {
	mu     sync.Mutex
	chunks []string
	err    error
	closes int
}

func (b *countingBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return 0, b.err
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *countingBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *countingBody) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func clientReturning(body io.ReadCloser) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"audio/wav"}},
			Body:       body,
			Request:    r,
		}, nil
	})}
}

func TestRelayClosesUpstreamOnceOnMidStreamFailure(t *testing.T) {
	body := &countingBody{chunks: []string{"part1"}, err: errors.New("connection reset by peer")}
	relay := NewRelay(RelayConfig{Client: clientReturning(body)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/music-caption", nil)
	relay.Serve(rec, req, "music-caption", "http://backend.invalid/music-caption", AlwaysRelay, Request{Prompt: "p"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "part1" {
		t.Fatalf("body = %q, want part1", rec.Body.String())
	}
	if got := body.closeCount(); got != 1 {
		t.Fatalf("upstream body closed %d times, want 1", got)
	}
}

type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (w brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestRelayClosesUpstreamOnceOnClientDisconnect(t *testing.T) {
	body := &countingBody{chunks: []string{"a", "b", "c"}, err: io.EOF}
	relay := NewRelay(RelayConfig{Client: clientReturning(body)})

	req := httptest.NewRequest(http.MethodPost, "/music-caption", nil)
	relay.Serve(brokenWriter{httptest.NewRecorder()}, req, "music-caption", "http://backend.invalid/", AlwaysRelay, Request{})

	if got := body.closeCount(); got != 1 {
		t.Fatalf("upstream body closed %d times, want 1", got)
	}
}

func TestRelayClosesUpstreamOnceOnSuccess(t *testing.T) {
	body := &countingBody{chunks: []string{"done"}, err: io.EOF}
	relay := NewRelay(RelayConfig{Client: clientReturning(body)})

	rec := httptest.NewRecorder()
	relay.Serve(rec, httptest.NewRequest(http.MethodPost, "/", nil), "music-caption", "http://backend.invalid/", AlwaysRelay, Request{})

	if rec.Body.String() != "done" || body.closeCount() != 1 {
		t.Fatalf("body = %q closes = %d", rec.Body.String(), body.closeCount())
	}
}

func TestRelayHeaderTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(upstream.Close)

	relay := NewRelay(RelayConfig{HeaderTimeout: 50 * time.Millisecond})
	rec := httptest.NewRecorder()
	relay.Serve(rec, httptest.NewRequest(http.MethodPost, "/", nil), "music-caption", upstream.URL, AlwaysRelay, Request{})

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestRelayTimesOutStalledBody(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "first")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(upstream.Close)
	t.Cleanup(func() { close(release) })

	recorder := metrics.New()
	relay := NewRelay(RelayConfig{HeaderTimeout: 200 * time.Millisecond, Metrics: recorder})
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Serve(rec, httptest.NewRequest(http.MethodPost, "/", nil), "music-caption", upstream.URL, AlwaysRelay, Request{})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay still blocked on a stalled upstream body")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "first" {
		t.Fatalf("body = %q, want first", rec.Body.String())
	}

	scrape := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `agstudio_relay_requests_total{outcome="timeout",route="music-caption"} 1`
	if !strings.Contains(scrape.Body.String(), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestUpstreamBodyReadsWithinTimeout(t *testing.T) {
	body := &countingBody{chunks: []string{"a", "b"}, err: io.EOF}
	relay := NewRelay(RelayConfig{Client: clientReturning(body), HeaderTimeout: 50 * time.Millisecond})

	resp, err := relay.Forward(context.Background(), "http://backend.invalid/music-caption", Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "ab" {
		t.Fatalf("body = %q, want ab", got)
	}
	_ = resp.Body.Close()
	_ = resp.Body.Close()
	if body.closeCount() != 1 {
		t.Fatalf("close count = %d, want 1", body.closeCount())
	}
}

func TestRelayUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	relay := NewRelay(RelayConfig{})
	rec := httptest.NewRecorder()
	relay.Serve(rec, httptest.NewRequest(http.MethodPost, "/", nil), "music-caption", target, AlwaysRelay, Request{})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestRelayPassesUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"bad audio"}`)
	}))
	t.Cleanup(upstream.Close)

	relay := NewRelay(RelayConfig{})
	rec := httptest.NewRecorder()
	relay.Serve(rec, httptest.NewRequest(http.MethodPost, "/", nil), "music-caption", upstream.URL, AlwaysRelay, Request{})

	if rec.Code != http.StatusUnprocessableEntity || rec.Body.String() != `{"detail":"bad audio"}` {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestRelayBoundsInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	t.Cleanup(upstream.Close)

	relay := NewRelay(RelayConfig{MaxInFlight: 1})
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Serve(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), "music-caption", upstream.URL, AlwaysRelay, Request{})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	relay.Serve(rec, httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx), "music-caption", upstream.URL, AlwaysRelay, Request{})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	close(release)
	<-done
}
