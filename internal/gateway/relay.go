package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"agstudio/internal/observability/logging"
	"agstudio/internal/observability/metrics"
)

// DefaultHeaderTimeout bounds the wait for upstream response headers and
// for each read of the upstream body.
const DefaultHeaderTimeout = 120 * time.Second

const chunkSize = 32 << 10

// Relay outcomes recorded in relay_requests_total.
const (
	OutcomeRelayed        = "relayed"
	OutcomeUpstreamStatus = "upstream_status"
	OutcomeRejected       = "rejected"
	OutcomeInvalid        = "invalid"
	OutcomeUnreachable    = "unreachable"
	OutcomeTimeout        = "timeout"
	OutcomeAborted        = "aborted"
)

// ErrUpstreamStalled is returned by an upstream body read that made no
// progress within the relay timeout.
var ErrUpstreamStalled = errors.New("upstream stalled")

var strippedHeaders = []string{"Content-Encoding", "Transfer-Encoding", "Connection", "Content-Length"}

// UpstreamError reports a failed call to a backend before any response
// bytes were relayed.
type UpstreamError struct {
	Status int
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Timeout reports whether the backend failed to answer in time.
func (e *UpstreamError) Timeout() bool { return e.Status == http.StatusGatewayTimeout }

func (e *UpstreamError) outcome() string {
	if e.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeUnreachable
}

type RelayConfig struct {
	Client *http.Client
	// HeaderTimeout bounds the wait for upstream headers and every single
	// body read after them. A stalled upstream cancels the relay.
	HeaderTimeout time.Duration
	// MaxInFlight caps concurrent upstream calls. Zero means unbounded.
	MaxInFlight int64
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// Relay forwards requests to a backend and streams the answer back.
type Relay struct {
	client        *http.Client
	headerTimeout time.Duration
	slots         *semaphore.Weighted
	metrics       *metrics.Recorder
	logger        *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.HeaderTimeout
	if timeout <= 0 {
		timeout = DefaultHeaderTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	relay := &Relay{
		client:        client,
		headerTimeout: timeout,
		metrics:       cfg.Metrics,
		logger:        logger,
	}
	if cfg.MaxInFlight > 0 {
		relay.slots = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return relay
}

func (r *Relay) observe(route, outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveRelay(route, outcome)
	}
}

// Serve applies policy to in and, when accepted, relays it to target and
// streams the response to w. Rejected requests never reach the backend.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, route, target string, policy Policy, in Request) {
	ctx := req.Context()
	logger := logging.WithContext(ctx, r.logger).With("route", route)
	if policy == nil {
		policy = AlwaysRelay
	}
	if !policy.ShouldRelay(in) {
		r.observe(route, OutcomeRejected)
		writeError(w, http.StatusBadRequest, RejectMessage)
		return
	}

	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			r.observe(route, OutcomeAborted)
			writeError(w, http.StatusServiceUnavailable, "relay capacity unavailable")
			return
		}
		defer r.slots.Release(1)
	}
	if r.metrics != nil {
		done := r.metrics.RelayStarted()
		defer done()
	}

	resp, err := r.Forward(ctx, target, in)
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			logger.Warn("relay failed", "target", target, "error", err)
			r.observe(route, upstream.outcome())
			writeError(w, upstream.Status, err.Error())
			return
		}
		if ctx.Err() != nil {
			r.observe(route, OutcomeAborted)
			return
		}
		logger.Error("relay failed", "target", target, "error", err)
		r.observe(route, OutcomeInvalid)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer resp.Body.Close()

	outcome := OutcomeRelayed
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = OutcomeUpstreamStatus
	}
	written, err := streamResponse(w, resp)
	if err != nil {
		outcome = OutcomeAborted
		if errors.Is(err, ErrUpstreamStalled) {
			outcome = OutcomeTimeout
		}
		logger.Warn("relay stream interrupted", "target", target, "bytes", written, "error", err)
	} else {
		logger.Debug("relay complete", "target", target, "status", resp.StatusCode, "bytes", written)
	}
	r.observe(route, outcome)
}

// Forward posts in to target and returns the backend response once its
// headers arrive. Each read of the returned body fails with
// ErrUpstreamStalled when it blocks longer than the relay timeout. The
// caller must close the body; closing it more than once is safe.
func (r *Relay) Forward(ctx context.Context, target string, in Request) (*http.Response, error) {
	body, contentType, err := encodeMultipart(in)
	if err != nil {
		return nil, fmt.Errorf("encode relay body: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(r.headerTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	upstreamReq.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(upstreamReq)
	stopped := timer.Stop()
	if err == nil && !stopped && timedOut.Load() {
		_ = resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if timedOut.Load() {
			return nil, &UpstreamError{Status: http.StatusGatewayTimeout, Target: target, Err: fmt.Errorf("no response headers within %s", r.headerTimeout)}
		}
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, &UpstreamError{Status: http.StatusBadGateway, Target: target, Err: err}
	}
	resp.Body = &upstreamBody{
		ReadCloser: resp.Body,
		timer:      timer,
		idle:       r.headerTimeout,
		timedOut:   &timedOut,
		after:      cancel,
	}
	return resp, nil
}

// upstreamBody arms the relay timer around every Read and closes the
// wrapped body exactly once, then runs after.
type upstreamBody struct {
	io.ReadCloser
	timer    *time.Timer
	idle     time.Duration
	timedOut *atomic.Bool
	once     sync.Once
	after    func()
	err      error
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	if b.timedOut.Load() {
		return 0, ErrUpstreamStalled
	}
	b.timer.Reset(b.idle)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err != nil && b.timedOut.Load() {
		return n, fmt.Errorf("%w: no data within %s", ErrUpstreamStalled, b.idle)
	}
	return n, err
}

func (b *upstreamBody) Close() error {
	b.once.Do(func() {
		b.timer.Stop()
		b.err = b.ReadCloser.Close()
		if b.after != nil {
			b.after()
		}
	})
	return b.err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart writes the prompt first, then image parts, then audio
// parts, keeping each part's filename and content type.
func encodeMultipart(in Request) ([]byte, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField(fieldPrompt, in.Prompt); err != nil {
		return nil, "", err
	}
	slots := []struct {
		name  string
		parts []Part
	}{
		{name: slotImages, parts: in.Images},
		{name: slotAudios, parts: in.Audios},
	}
	for _, slot := range slots {
		for _, part := range slot.parts {
			header := make(textproto.MIMEHeader)
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
				quoteEscaper.Replace(slot.name), quoteEscaper.Replace(part.Filename)))
			header.Set("Content-Type", part.contentType())
			dst, err := writer.CreatePart(header)
			if err != nil {
				return nil, "", err
			}
			if _, err := dst.Write(part.Data); err != nil {
				return nil, "", err
			}
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	for _, name := range strippedHeaders {
		dst.Del(name)
	}
}

// streamResponse relays status, headers and body, flushing after every
// chunk read from upstream.
func streamResponse(w http.ResponseWriter, resp *http.Response) (int64, error) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	controller := http.NewResponseController(w)
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("write to client: %w", err)
			}
			if err := controller.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, fmt.Errorf("flush to client: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read upstream: %w", readErr)
		}
	}
}
