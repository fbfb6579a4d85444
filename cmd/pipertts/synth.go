package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/example/go-piper-tts/internal/bus"
	"github.com/example/go-piper-tts/internal/config"
	"github.com/example/go-piper-tts/internal/tts"
	"github.com/spf13/cobra"
)

type synthOptions struct {
	Text    string
	Voice   string
	Out     string
	JSON    bool
	UseNATS bool
}

func newSynthCmd() *cobra.Command {
	var opts synthOptions

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			return runSynth(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&opts.Voice, "voice", "", "Voice key (unknown keys use the default voice)")
	cmd.Flags().StringVar(&opts.Out, "out", "out.wav", "Output path ('-' for stdout)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Write the JSON payload instead of raw WAV")
	cmd.Flags().BoolVar(&opts.UseNATS, "via-nats", false, "Send the request to a running service over NATS")

	return cmd
}

func runSynth(ctx context.Context, cfg config.Config, opts synthOptions, stdin io.Reader, stdout io.Writer) error {
	inputText, err := readSynthText(opts.Text, stdin)
	if err != nil {
		return err
	}

	req := tts.Request{Text: inputText, Voice: opts.Voice}
	start := time.Now()

	var payload tts.Payload
	if opts.UseNATS {
		payload, err = synthesizeRemote(ctx, cfg, req)
	} else {
		payload, err = synthesizeLocal(ctx, cfg, req, start)
	}
	if err != nil {
		return mapSynthError(err)
	}

	slog.Info("synthesis complete",
		slog.String("voice", payload.Voice),
		slog.Int("wav_bytes", payload.Size),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if opts.JSON {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return writeSynthOutput(opts.Out, append(data, '\n'), stdout)
	}

	audio, err := tts.DecodePayload(payload)
	if err != nil {
		return err
	}
	return writeSynthOutput(opts.Out, audio, stdout)
}

func synthesizeLocal(ctx context.Context, cfg config.Config, req tts.Request, start time.Time) (tts.Payload, error) {
	rt, err := buildRuntime(cfg, slog.Default())
	if err != nil {
		return tts.Payload{}, err
	}

	if cfg.Server.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Server.RequestTimeout)*time.Second)
		defer cancel()
	}

	res, err := rt.service.Synthesize(ctx, req)
	if err != nil {
		return tts.Payload{}, err
	}
	return tts.Encode(res, start), nil
}

func synthesizeRemote(ctx context.Context, cfg config.Config, req tts.Request) (tts.Payload, error) {
	conn, err := bus.Connect(cfg.Bus.NATSURL, slog.Default())
	if err != nil {
		return tts.Payload{}, err
	}
	defer conn.Close()

	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return bus.NewClient(conn, cfg.Bus.Subject).Synthesize(ctx, req)
}

func writeSynthOutput(outPath string, data []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return errors.New("stdout writer is nil")
		}
		_, err := stdout.Write(data)
		return err
	}
	// #nosec G306 -- Output files are user artifacts, not secrets.
	return os.WriteFile(outPath, data, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	if stdin == nil {
		return "", errors.New("either provide --text or pipe text on stdin")
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", errors.New("either provide --text or pipe text on stdin")
	}
	return input, nil
}

// mapSynthError adds a hint to failures the user can fix from the command line.
func mapSynthError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("synth failed: engine executable not found; set --piper-path or PIPERTTS_TTS_PIPER_PATH: %w", err)
	}

	var procErr *tts.ProcessError
	if errors.As(err, &procErr) {
		return fmt.Errorf("synth failed: engine exited with code %d: %w", procErr.ExitCode, err)
	}

	var remote *bus.RemoteError
	if errors.As(err, &remote) {
		return fmt.Errorf("synth failed: %w", err)
	}

	if kind, msg := tts.Classify(err); kind != tts.KindUnexpected {
		return fmt.Errorf("synth failed: %s: %w", msg, err)
	}

	return err
}
