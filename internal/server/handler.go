package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-piper-tts/internal/text"
	"github.com/example/go-piper-tts/internal/tts"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Synthesizer runs one synthesis request. *tts.Service implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error)
}

// VoiceLister describes the configured voices. *tts.Registry implements it.
type VoiceLister interface {
	Keys() []string
	Voices() []tts.Voice
	Default() tts.Voice
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	serviceName    string
	defaultBinary  bool
	rateLimit      float64
	rateBurst      int
	corsOrigins    []string
	metrics        http.Handler
	checks         []healthCheck
}

type healthCheck struct {
	name string
	ok   func() bool
}

func defaultOptions() options {
	return options{
		maxTextBytes:   4096,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
		serviceName:    "piper-tts",
		corsOrigins:    []string{"*"},
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for /tts.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithWorkers sets the maximum number of concurrent synthesis calls.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline. When it elapses
// the engine process is killed.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithServiceName sets the name reported by /health.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithDefaultResponse selects the response mode used when a request does not
// ask for one: "json" or "binary".
func WithDefaultResponse(mode string) Option {
	return func(o *options) { o.defaultBinary = strings.EqualFold(mode, responseBinary) }
}

// WithRateLimit limits /tts to rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rps
		o.rateBurst = burst
	}
}

// WithCORSOrigins sets the origins allowed by CORS.
func WithCORSOrigins(origins []string) Option {
	return func(o *options) { o.corsOrigins = origins }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithHealthCheck adds a named dependency check to /health. A failing check
// is reported as "unavailable" without changing the overall status.
func WithHealthCheck(name string, ok func() bool) Option {
	return func(o *options) { o.checks = append(o.checks, healthCheck{name: name, ok: ok}) }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

const (
	responseJSON   = "json"
	responseBinary = "binary"

	contentTypeWAV  = "audio/wav"
	contentTypeJSON = "application/json"
)

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	synth   Synthesizer
	voices  VoiceLister
	opts    options
	sem     chan struct{} // semaphore for worker pool
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /voices, /tts and,
// when configured, /metrics.
func NewHandler(synth Synthesizer, voices VoiceLister, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth:  synth,
		voices: voices,
		opts:   opts,
		log:    opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}
	if opts.rateLimit > 0 {
		burst := opts.rateBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.rateLimit), burst)
	}

	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(h.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader, "X-Voice", "X-Sample-Rate", "X-Elapsed"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.handleHealth)
	r.Get("/voices", h.handleVoices)
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.rateLimit)
		}
		r.Get("/tts", h.handleTTS)
		r.Post("/tts", h.handleTTS)
	})
	if opts.metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.metrics)
	}

	return otelhttp.NewHandler(r, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

type healthResponse struct {
	Status  string   `json:"status"`
	Service string   `json:"service"`
	Voices  []string `json:"voices"`
	Version string   `json:"version"`

	Checks map[string]string `json:"checks,omitempty"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	voices := h.voices.Keys()
	if voices == nil {
		voices = []string{}
	}
	resp := healthResponse{
		Status:  "ok",
		Service: h.opts.serviceName,
		Voices:  voices,
		Version: buildVersion(),
	}
	if len(h.opts.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.opts.checks))
		for _, c := range h.opts.checks {
			state := "ok"
			if !c.ok() {
				state = "unavailable"
			}
			resp.Checks[c.name] = state
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type voiceView struct {
	tts.Voice
	Default bool `json:"default"`
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	def := h.voices.Default().ID

	voices := h.voices.Voices()
	out := make([]voiceView, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceView{Voice: v, Default: v.ID == def})
	}
	writeJSON(w, http.StatusOK, out)
}

type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Response string `json:"response"`
}

var errRequestTooLarge = errors.New("request body too large")

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now()

	req, err := h.parseRequest(w, r)
	if err != nil {
		if errors.Is(err, errRequestTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if text.IsBlank(req.Text) {
		writeError(w, http.StatusBadRequest, tts.ErrMissingText.Error())
		return
	}

	if h.opts.maxTextBytes > 0 && len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return
	}

	// Acquire a worker slot, honouring context cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx := r.Context()
	if h.opts.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := h.synth.Synthesize(ctx, tts.Request{Text: req.Text, Voice: req.Voice})
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		kind, msg := tts.Classify(err)
		status := statusForKind(kind)

		attrs := []any{
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("voice", req.Voice),
			slog.Int("text_len", len(req.Text)),
			slog.Int64("duration_ms", durationMS),
			slog.String("kind", kind.String()),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		}
		if status >= http.StatusInternalServerError && kind != tts.KindTimeout {
			h.log.ErrorContext(r.Context(), "synthesis failed", attrs...)
		} else {
			h.log.WarnContext(r.Context(), "synthesis failed", attrs...)
		}

		writeError(w, status, msg)
		return
	}

	binary := h.wantsBinary(r, req.Response)

	h.log.InfoContext(r.Context(), "synthesis complete",
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.String("voice", res.Voice),
		slog.Int("text_len", len(req.Text)),
		slog.Int64("duration_ms", durationMS),
		slog.Int("wav_bytes", res.Size),
		slog.Bool("binary", binary),
	)

	if binary {
		w.Header().Set("Content-Type", contentTypeWAV)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
		w.Header().Set("X-Voice", res.Voice)
		w.Header().Set("X-Sample-Rate", strconv.Itoa(res.SampleRate))
		w.Header().Set("X-Elapsed", strconv.FormatFloat(time.Since(receivedAt).Seconds(), 'f', 3, 64))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Audio)
		return
	}

	writeJSON(w, http.StatusOK, tts.Encode(res, receivedAt))
}

// parseRequest reads text, voice and response mode from the query string (GET),
// a form body, or a JSON body. A POST body that is not valid JSON is parsed as
// a form.
func (h *handler) parseRequest(w http.ResponseWriter, r *http.Request) (ttsRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		return ttsRequest{Text: q.Get("text"), Voice: q.Get("voice"), Response: q.Get("response")}, nil
	}

	if r.Body == nil {
		return ttsRequest{}, nil
	}

	// JSON escaping can inflate text up to six times.
	limit := int64(h.opts.maxTextBytes)*6 + 1024
	if h.opts.maxTextBytes <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ttsRequest{}, errRequestTooLarge
		}
		return ttsRequest{}, fmt.Errorf("read request body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" {
		var req ttsRequest
		if err := json.Unmarshal(body, &req); err == nil {
			if req.Response == "" {
				req.Response = r.URL.Query().Get("response")
			}
			return req, nil
		}
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return ttsRequest{}, fmt.Errorf("invalid request body: %w", err)
	}
	resp := form.Get("response")
	if resp == "" {
		resp = r.URL.Query().Get("response")
	}

	return ttsRequest{Text: form.Get("text"), Voice: form.Get("voice"), Response: resp}, nil
}

// wantsBinary reports whether the audio should be written as a raw body. An
// explicit response field wins; otherwise an Accept header naming audio/wav
// but not JSON selects binary.
func (h *handler) wantsBinary(r *http.Request, mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case responseBinary:
		return true
	case responseJSON:
		return false
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, contentTypeWAV) && !strings.Contains(accept, contentTypeJSON) {
		return true
	}

	return h.opts.defaultBinary
}

func statusForKind(kind tts.Kind) int {
	switch kind {
	case tts.KindMissingInput:
		return http.StatusBadRequest
	case tts.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
