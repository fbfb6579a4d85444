package tts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/go-piper-tts/internal/audio"
	"github.com/example/go-piper-tts/internal/text"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/example/go-piper-tts/internal/tts"

type serviceOptions struct {
	minAudioBytes int
	logger        *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithMinAudioBytes sets the smallest audio payload accepted from the engine.
func WithMinAudioBytes(n int) ServiceOption {
	return func(o *serviceOptions) { o.minAudioBytes = n }
}

// WithServiceLogger sets the logger for pipeline events.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// Service runs requests through registry, engine and validator.
type Service struct {
	registry *Registry
	engine   Engine
	opts     serviceOptions
	log      *slog.Logger

	requests metric.Int64Counter
	duration metric.Float64Histogram
	bytesOut metric.Int64Counter
}

func NewService(registry *Registry, engine Engine, optFns ...ServiceOption) *Service {
	opts := serviceOptions{
		minAudioBytes: DefaultMinAudioBytes,
		logger:        slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Service{
		registry: registry,
		engine:   engine,
		opts:     opts,
		log:      opts.logger,
	}
	s.initMetrics()

	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error
	s.requests, err = meter.Int64Counter("tts.synthesis.requests",
		metric.WithDescription("Synthesis requests by voice and outcome"))
	if err != nil {
		s.log.Warn("create request counter", slog.String("error", err.Error()))
	}
	s.duration, err = meter.Float64Histogram("tts.synthesis.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall-clock time of a synthesis including the engine process"))
	if err != nil {
		s.log.Warn("create duration histogram", slog.String("error", err.Error()))
	}
	s.bytesOut, err = meter.Int64Counter("tts.synthesis.audio",
		metric.WithUnit("By"),
		metric.WithDescription("Audio bytes produced"))
	if err != nil {
		s.log.Warn("create audio counter", slog.String("error", err.Error()))
	}
}

// Registry returns the voice registry the service resolves against.
func (s *Service) Registry() *Registry { return s.registry }

// Synthesize validates req, resolves its voice, runs the engine and validates
// the outcome. Errors are classified with Classify.
func (s *Service) Synthesize(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	input, err := text.Normalize(req.Text)
	if err != nil {
		s.record(ctx, "", KindMissingInput.String(), time.Since(start), 0)
		return nil, ErrMissingText
	}

	voice := s.registry.Resolve(req.Voice)

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "synthesize "+voice.ID,
		trace.WithAttributes(
			attribute.String("tts.voice", voice.ID),
			attribute.Int("tts.text_len", len(input)),
		))
	defer span.End()

	outcome, err := s.engine.Run(ctx, input, voice)
	if err == nil {
		err = Validate(outcome, s.opts.minAudioBytes)
	}

	elapsed := time.Since(start)

	if err != nil {
		kind, _ := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		s.record(ctx, voice.ID, kind.String(), elapsed, 0)
		s.logFailure(ctx, voice, kind, outcome, err)
		return nil, err
	}

	res := &Result{
		Audio:      outcome.Audio,
		Size:       len(outcome.Audio),
		SampleRate: voice.SampleRate,
		Channels:   1,
		BitDepth:   16,
		Voice:      voice.ID,
		Elapsed:    elapsed,
	}

	info, inspectErr := audio.Inspect(outcome.Audio)
	if inspectErr == nil {
		res.SampleRate = info.SampleRate
		res.Channels = info.Channels
		res.BitDepth = info.BitDepth
	} else {
		s.log.DebugContext(ctx, "audio header not inspectable, reporting voice sample rate",
			slog.String("voice", voice.ID),
			slog.String("error", inspectErr.Error()),
		)
	}

	span.SetAttributes(attribute.Int("tts.audio_bytes", res.Size))
	s.record(ctx, voice.ID, "ok", elapsed, int64(res.Size))

	return res, nil
}

func (s *Service) logFailure(ctx context.Context, voice Voice, kind Kind, o Outcome, err error) {
	attrs := []any{
		slog.String("voice", voice.ID),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	}

	var procErr *ProcessError
	if errors.As(err, &procErr) {
		attrs = append(attrs, slog.Int("exit_code", procErr.ExitCode))
		if o.OutputErr != nil {
			attrs = append(attrs, slog.String("output_error", o.OutputErr.Error()))
		}
	}

	switch kind {
	case KindTimeout, KindValidation:
		s.log.WarnContext(ctx, "synthesis failed", attrs...)
	default:
		s.log.ErrorContext(ctx, "synthesis failed", attrs...)
	}
}

func (s *Service) record(ctx context.Context, voice, outcome string, elapsed time.Duration, audioBytes int64) {
	attrs := metric.WithAttributes(
		attribute.String("voice", voice),
		attribute.String("outcome", outcome),
	)

	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if s.bytesOut != nil && audioBytes > 0 {
		s.bytesOut.Add(ctx, audioBytes, metric.WithAttributes(attribute.String("voice", voice)))
	}
}
