package bench_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/go-piper-tts/internal/audio"
	"github.com/example/go-piper-tts/internal/bench"
	"github.com/example/go-piper-tts/internal/tts"
)

func TestWAVDuration_TooShort(t *testing.T) {
	_, err := bench.WAVDuration(make([]byte, 10))
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got: %v", err)
	}
}

func TestWAVDuration_NotRIFF(t *testing.T) {
	data := make([]byte, 64)
	copy(data[0:4], "JUNK")
	copy(data[8:12], "WAVE")

	if _, err := bench.WAVDuration(data); err == nil {
		t.Fatal("expected error for non-RIFF data")
	}
}

type fakeSynth struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.Request) (*tts.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Result{Audio: f.audio, Size: len(f.audio), Voice: req.Voice}, nil
}

func TestMeasure_RecordsEveryRun(t *testing.T) {
	wav, err := audio.EncodeWAV(make([]float32, 22050), 22050)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	synth := &fakeSynth{audio: wav}

	runs, err := bench.Measure(context.Background(), synth, tts.Request{Text: "hi"}, 3, nil)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}

	if len(runs) != 3 || synth.calls != 3 {
		t.Fatalf("runs=%d calls=%d; want 3", len(runs), synth.calls)
	}
	if !runs[0].Cold || runs[1].Cold {
		t.Error("only the first run is cold")
	}
	for _, r := range runs {
		if r.WAVDuration != time.Second {
			t.Errorf("run %d audio = %v; want 1s", r.Index, r.WAVDuration)
		}
	}
	if len(bench.Durations(runs)) != 3 {
		t.Error("Durations length mismatch")
	}
}

func TestMeasure_WarnsOnUnreadableAudio(t *testing.T) {
	synth := &fakeSynth{audio: []byte("not audio")}

	var warned []int
	runs, err := bench.Measure(context.Background(), synth, tts.Request{Text: "hi"}, 2, func(run int, _ error) {
		warned = append(warned, run)
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if len(warned) != 2 || warned[0] != 1 {
		t.Errorf("warned = %v; want runs 1 and 2", warned)
	}
	if runs[0].RTF != 0 {
		t.Errorf("RTF = %v; want 0 without audio duration", runs[0].RTF)
	}
}

func TestMeasure_StopsOnError(t *testing.T) {
	synth := &fakeSynth{err: tts.ErrGenerationFailed}

	_, err := bench.Measure(context.Background(), synth, tts.Request{Text: "hi"}, 5, nil)
	if !errors.Is(err, tts.ErrGenerationFailed) {
		t.Fatalf("err = %v; want ErrGenerationFailed", err)
	}
	if synth.calls != 1 {
		t.Errorf("calls = %d; want 1", synth.calls)
	}
}

func TestMeasure_RejectsZeroRuns(t *testing.T) {
	if _, err := bench.Measure(context.Background(), &fakeSynth{}, tts.Request{}, 0, nil); err == nil {
		t.Fatal("want error for zero runs")
	}
}

func TestMeanRTF(t *testing.T) {
	if got := bench.MeanRTF(nil); got != 0 {
		t.Errorf("MeanRTF(nil) = %v", got)
	}
	got := bench.MeanRTF([]bench.RunResult{{RTF: 0.5}, {RTF: 1.5}})
	if got != 1.0 {
		t.Errorf("MeanRTF = %v; want 1.0", got)
	}
}
