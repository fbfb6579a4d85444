package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/example/go-piper-tts/internal/tts"
	"github.com/spf13/cobra"
)

func newVoicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the configured voices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			registry, err := tts.LoadRegistry(tts.RegistryOptions{
				ManifestPath: cfg.Paths.VoiceManifest,
				VoicesDir:    cfg.Paths.VoicesDir,
				DefaultVoice: cfg.TTS.DefaultVoice,
				SampleRate:   cfg.TTS.SampleRate,
			})
			if err != nil {
				return err
			}
			slog.Debug("voices loaded", slog.Int("count", len(registry.Keys())))

			return printVoices(cmd.OutOrStdout(), registry, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print voices as JSON")

	return cmd
}

type voiceListing struct {
	tts.Voice
	Default bool `json:"default"`
}

func printVoices(w io.Writer, registry *tts.Registry, asJSON bool) error {
	def := registry.Default().ID

	if asJSON {
		out := make([]voiceListing, 0, len(registry.Keys()))
		for _, v := range registry.Voices() {
			out = append(out, voiceListing{Voice: v, Default: v.ID == def})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VOICE\tRATE\tMODEL\t")
	for _, v := range registry.Voices() {
		name := v.ID
		if v.ID == def {
			name += " *"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t\n", name, v.SampleRate, v.ModelPath)
	}
	return tw.Flush()
}
