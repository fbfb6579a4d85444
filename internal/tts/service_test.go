package tts

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/example/go-piper-tts/internal/audio"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	texts   []string
	voices  []Voice
	outcome Outcome
	err     error
}

func (f *fakeEngine) Run(ctx context.Context, text string, voice Voice) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voice)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return f.outcome, f.err
}

func fixtureWAV(t *testing.T) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(make([]float32, 2478), 22050)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) != 5000 {
		t.Fatalf("fixture size = %d; want 5000", len(data))
	}
	return data
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Voice{
		{ID: "amy", ModelPath: "/root/voices/en_US-amy-medium.onnx", SampleRate: 22050},
		{ID: "bryce", ModelPath: "/root/voices/en_US-bryce-medium.onnx", SampleRate: 22050},
	}, "amy")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestSynthesize_Success(t *testing.T) {
	wav := fixtureWAV(t)
	engine := &fakeEngine{outcome: Outcome{Audio: wav}}
	svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

	res, err := svc.Synthesize(context.Background(), Request{Text: "Hello world", Voice: "amy"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if res.Size != 5000 || !bytes.Equal(res.Audio, wav) {
		t.Errorf("Size = %d; want the 5000 fixture bytes unchanged", res.Size)
	}
	if res.SampleRate != 22050 || res.Channels != 1 || res.BitDepth != 16 {
		t.Errorf("format = %d Hz, %d ch, %d bit", res.SampleRate, res.Channels, res.BitDepth)
	}
	if res.Voice != "amy" {
		t.Errorf("Voice = %q; want amy", res.Voice)
	}
	if engine.calls != 1 || engine.texts[0] != "Hello world" {
		t.Errorf("engine calls = %d, texts = %q", engine.calls, engine.texts)
	}
}

func TestSynthesize_UnknownVoiceUsesDefault(t *testing.T) {
	engine := &fakeEngine{outcome: Outcome{Audio: fixtureWAV(t)}}
	svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

	res, err := svc.Synthesize(context.Background(), Request{Text: "hi", Voice: "nobody"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Voice != "amy" || engine.voices[0].ModelPath != "/root/voices/en_US-amy-medium.onnx" {
		t.Errorf("voice = %q, model = %q; want default amy", res.Voice, engine.voices[0].ModelPath)
	}
}

func TestSynthesize_VoiceKeyCaseInsensitive(t *testing.T) {
	engine := &fakeEngine{outcome: Outcome{Audio: fixtureWAV(t)}}
	svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

	res, err := svc.Synthesize(context.Background(), Request{Text: "hi", Voice: "BRYCE"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Voice != "bryce" {
		t.Errorf("Voice = %q; want bryce", res.Voice)
	}
}

func TestSynthesize_MissingTextNeverRunsEngine(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t ", "\x00\x01"} {
		engine := &fakeEngine{outcome: Outcome{Audio: fixtureWAV(t)}}
		svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

		_, err := svc.Synthesize(context.Background(), Request{Text: text})
		if !errors.Is(err, ErrMissingText) {
			t.Errorf("Synthesize(%q) err = %v; want ErrMissingText", text, err)
		}
		if engine.calls != 0 {
			t.Errorf("Synthesize(%q) ran the engine %d times; want 0", text, engine.calls)
		}
	}
}

func TestSynthesize_ProcessFailure(t *testing.T) {
	var logs bytes.Buffer
	engine := &fakeEngine{outcome: Outcome{ExitCode: 1, Stderr: "model load failed"}}
	svc := NewService(testRegistry(t), engine,
		WithServiceLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})

	kind, msg := Classify(err)
	if kind != KindProcess || msg != "TTS process failed: model load failed" {
		t.Errorf("Classify = %v, %q", kind, msg)
	}
	if !strings.Contains(logs.String(), `"exit_code":1`) {
		t.Errorf("failure log missing exit code: %s", logs.String())
	}
	if !strings.Contains(logs.String(), `"level":"ERROR"`) {
		t.Errorf("process failure should log at ERROR: %s", logs.String())
	}
}

func TestSynthesize_TooSmall(t *testing.T) {
	engine := &fakeEngine{outcome: Outcome{Audio: make([]byte, 40)}}
	svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Errorf("err = %v; want ErrGenerationFailed", err)
	}
}

func TestSynthesize_MinAudioBytesOption(t *testing.T) {
	engine := &fakeEngine{outcome: Outcome{Audio: make([]byte, 40)}}
	svc := NewService(testRegistry(t), engine,
		WithServiceLogger(discardLogger()), WithMinAudioBytes(10))

	res, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	// Headerless output falls back to the voice rate.
	if res.SampleRate != 22050 || res.Size != 40 {
		t.Errorf("SampleRate = %d, Size = %d", res.SampleRate, res.Size)
	}
}

func TestSynthesize_EngineError(t *testing.T) {
	engine := &fakeEngine{err: context.DeadlineExceeded}
	svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})
	if kind, _ := Classify(err); kind != KindTimeout {
		t.Errorf("kind = %v; want timeout", kind)
	}
}

func TestSynthesize_Concurrent(t *testing.T) {
	engine := &fakeEngine{outcome: Outcome{Audio: fixtureWAV(t)}}
	svc := NewService(testRegistry(t), engine, WithServiceLogger(discardLogger()))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Synthesize(context.Background(), Request{Text: "hi"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Synthesize: %v", err)
	}
	if engine.calls != 8 {
		t.Errorf("engine calls = %d; want 8", engine.calls)
	}
}
