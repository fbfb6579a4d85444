package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultVoiceID is the voice used when a request names none or an unknown one.
	DefaultVoiceID = "amy"
	// DefaultSampleRate is Piper's output rate for medium-quality voices.
	DefaultSampleRate = 22050
)

// ErrNoVoices is returned when no voice could be loaded from any source.
var ErrNoVoices = errors.New("no voices configured")

// builtinVoices are the voices provisioned with the service image.
var builtinVoices = []struct {
	id   string
	file string
}{
	{id: "amy", file: "en_US-amy-medium.onnx"},
	{id: "bryce", file: "en_US-bryce-medium.onnx"},
}

type voiceManifest struct {
	Voices []Voice `yaml:"voices"`
}

// RegistryOptions controls where LoadRegistry looks for voices.
type RegistryOptions struct {
	Fs           afero.Fs
	ManifestPath string
	VoicesDir    string
	DefaultVoice string
	SampleRate   int
}

// Registry maps voice keys to model profiles. It is built once and never
// mutated, so concurrent reads need no locking.
type Registry struct {
	voices []Voice
	byID   map[string]Voice
	def    Voice
}

// NewRegistry builds a registry from voices. Keys are lower-cased. defaultID
// falls back to the first key in sorted order when it is not in voices.
func NewRegistry(voices []Voice, defaultID string) (*Registry, error) {
	if len(voices) == 0 {
		return nil, ErrNoVoices
	}

	r := &Registry{
		voices: make([]Voice, 0, len(voices)),
		byID:   make(map[string]Voice, len(voices)),
	}

	for _, v := range voices {
		v.ID = normalizeKey(v.ID)
		if v.ID == "" {
			return nil, errors.New("voice with empty id")
		}
		if v.ModelPath == "" {
			return nil, fmt.Errorf("voice %q has empty model path", v.ID)
		}
		if _, exists := r.byID[v.ID]; exists {
			return nil, fmt.Errorf("duplicate voice id %q", v.ID)
		}

		r.byID[v.ID] = v
		r.voices = append(r.voices, v)
	}

	sort.Slice(r.voices, func(i, j int) bool { return r.voices[i].ID < r.voices[j].ID })

	def, ok := r.byID[normalizeKey(defaultID)]
	if !ok {
		def = r.voices[0]
	}
	r.def = def

	return r, nil
}

// LoadRegistry populates a registry from, in order of preference, the manifest
// file, a scan of the voices directory, and the built-in voice table.
func LoadRegistry(opts RegistryOptions) (*Registry, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}

	var voices []Voice

	if opts.ManifestPath != "" {
		exists, err := afero.Exists(fs, opts.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("stat voice manifest: %w", err)
		}
		if exists {
			voices, err = loadManifest(fs, opts.ManifestPath)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(voices) == 0 && opts.VoicesDir != "" {
		var err error
		voices, err = scanVoicesDir(fs, opts.VoicesDir)
		if err != nil {
			return nil, err
		}
	}

	if len(voices) == 0 {
		for _, b := range builtinVoices {
			voices = append(voices, Voice{ID: b.id, ModelPath: filepath.Join(opts.VoicesDir, b.file)})
		}
	}

	for i := range voices {
		if err := attachCompanion(fs, &voices[i], rate); err != nil {
			return nil, err
		}
	}

	return NewRegistry(voices, opts.DefaultVoice)
}

// Resolve returns the voice for key, or the default voice when key is unknown.
func (r *Registry) Resolve(key string) Voice {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return r.def
}

func (r *Registry) lookup(key string) (Voice, bool) {
	v, ok := r.byID[normalizeKey(key)]
	return v, ok
}

func (r *Registry) Default() Voice { return r.def }

// Keys returns the configured voice keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.voices))
	for i, v := range r.voices {
		keys[i] = v.ID
	}
	return keys
}

// Voices returns a copy of the configured voices in key order.
func (r *Registry) Voices() []Voice {
	return append([]Voice(nil), r.voices...)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func loadManifest(fs afero.Fs, path string) ([]Voice, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read voice manifest: %w", err)
	}

	// YAML is a superset of JSON, so manifest.json and manifest.yaml both decode here.
	var manifest voiceManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode voice manifest: %w", err)
	}

	baseDir := filepath.Dir(path)
	voices := make([]Voice, 0, len(manifest.Voices))
	for _, v := range manifest.Voices {
		v.ModelPath = resolveRelative(baseDir, v.ModelPath)
		v.ConfigPath = resolveRelative(baseDir, v.ConfigPath)
		voices = append(voices, v)
	}

	return voices, nil
}

func resolveRelative(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

// scanVoicesDir registers every *.onnx model in dir. A missing directory yields no voices.
func scanVoicesDir(fs afero.Fs, dir string) ([]Voice, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan voices dir: %w", err)
	}

	seen := make(map[string]bool)

	var voices []Voice
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".onnx") {
			continue
		}

		stem := strings.TrimSuffix(e.Name(), ".onnx")
		key := voiceKeyFromStem(stem)
		if seen[key] {
			key = strings.ToLower(stem)
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		voices = append(voices, Voice{ID: key, ModelPath: filepath.Join(dir, e.Name())})
	}

	return voices, nil
}

// voiceKeyFromStem extracts the speaker from Piper's <lang>-<speaker>-<quality> naming.
func voiceKeyFromStem(stem string) string {
	parts := strings.Split(stem, "-")
	if len(parts) == 3 && parts[1] != "" {
		return strings.ToLower(parts[1])
	}
	return strings.ToLower(stem)
}

type piperModelConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
}

// attachCompanion fills ConfigPath and SampleRate from the model's <model>.json companion.
func attachCompanion(fs afero.Fs, v *Voice, fallbackRate int) error {
	if v.ConfigPath == "" {
		candidate := v.ModelPath + ".json"
		if ok, _ := afero.Exists(fs, candidate); ok {
			v.ConfigPath = candidate
		}
	}

	if v.SampleRate == 0 && v.ConfigPath != "" {
		data, err := afero.ReadFile(fs, v.ConfigPath)
		if err == nil {
			var cfg piperModelConfig
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("decode model config for voice %q: %w", v.ID, err)
			}
			v.SampleRate = cfg.Audio.SampleRate
		}
	}

	if v.SampleRate == 0 {
		v.SampleRate = fallbackRate
	}

	return nil
}
