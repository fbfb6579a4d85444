// Package config loads service settings from defaults, an optional config
// file, PIPERTTS_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Paths     PathsConfig     `mapstructure:"paths"`
	TTS       TTSConfig       `mapstructure:"tts"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Bus       BusConfig       `mapstructure:"bus"`
}

type PathsConfig struct {
	VoicesDir     string `mapstructure:"voices_dir"`
	VoiceManifest string `mapstructure:"voice_manifest"`
}

type TTSConfig struct {
	Backend        string `mapstructure:"backend"`
	PiperPath      string `mapstructure:"piper_path"`
	PocketPath     string `mapstructure:"pocket_path"`
	PocketConfig   string `mapstructure:"pocket_config"`
	DefaultVoice   string `mapstructure:"default_voice"`
	SampleRate     int    `mapstructure:"sample_rate"`
	MinAudioBytes  int    `mapstructure:"min_audio_bytes"`
	MaxStderrBytes int    `mapstructure:"max_stderr_bytes"`
	ExtraArgs      string `mapstructure:"extra_args"`
	TempDir        string `mapstructure:"temp_dir"`
	Quiet          bool   `mapstructure:"quiet"`
}

type ServerConfig struct {
	ListenAddr      string   `mapstructure:"listen_addr"`
	Workers         int      `mapstructure:"workers"`
	MaxTextBytes    int      `mapstructure:"max_text_bytes"`
	RequestTimeout  int      `mapstructure:"request_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	RateLimit       float64  `mapstructure:"rate_limit"`
	RateBurst       int      `mapstructure:"rate_burst"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	ServiceName     string   `mapstructure:"service_name"`
	DefaultResponse string   `mapstructure:"default_response"`
}

type TelemetryConfig struct {
	Metrics      bool   `mapstructure:"metrics"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

type BusConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

const (
	ResponseJSON   = "json"
	ResponseBinary = "binary"
)

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			VoicesDir:     "/root/voices",
			VoiceManifest: "",
		},
		TTS: TTSConfig{
			Backend:        BackendPiper,
			PiperPath:      "piper",
			PocketPath:     "",
			PocketConfig:   "",
			DefaultVoice:   "amy",
			SampleRate:     22050,
			MinAudioBytes:  100,
			MaxStderrBytes: 4096,
			ExtraArgs:      "",
			TempDir:        "",
			Quiet:          false,
		},
		Server: ServerConfig{
			ListenAddr:      ":5000",
			Workers:         2,
			MaxTextBytes:    4096,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
			RateLimit:       0,
			RateBurst:       10,
			CORSOrigins:     []string{"*"},
			ServiceName:     "piper-tts",
			DefaultResponse: ResponseJSON,
		},
		Telemetry: TelemetryConfig{
			Metrics:      true,
			OTLPEndpoint: "",
			OTLPInsecure: false,
		},
		Bus: BusConfig{
			NATSURL: "",
			Subject: "tts.synthesize",
		},
	}
}

// flagKeys maps each command-line flag to the config key it sets.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"log-level", "log_level"},
	{"voices-dir", "paths.voices_dir"},
	{"voice-manifest", "paths.voice_manifest"},
	{"backend", "tts.backend"},
	{"piper-path", "tts.piper_path"},
	{"pocket-path", "tts.pocket_path"},
	{"pocket-config", "tts.pocket_config"},
	{"default-voice", "tts.default_voice"},
	{"sample-rate", "tts.sample_rate"},
	{"min-audio-bytes", "tts.min_audio_bytes"},
	{"max-stderr-bytes", "tts.max_stderr_bytes"},
	{"extra-args", "tts.extra_args"},
	{"temp-dir", "tts.temp_dir"},
	{"quiet", "tts.quiet"},
	{"server-listen-addr", "server.listen_addr"},
	{"workers", "server.workers"},
	{"max-text-bytes", "server.max_text_bytes"},
	{"request-timeout", "server.request_timeout"},
	{"shutdown-timeout", "server.shutdown_timeout"},
	{"rate-limit", "server.rate_limit"},
	{"rate-burst", "server.rate_burst"},
	{"cors-origins", "server.cors_origins"},
	{"service-name", "server.service_name"},
	{"default-response", "server.default_response"},
	{"metrics", "telemetry.metrics"},
	{"otlp-endpoint", "telemetry.otlp_endpoint"},
	{"otlp-insecure", "telemetry.otlp_insecure"},
	{"nats-url", "bus.nats_url"},
	{"nats-subject", "bus.subject"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
	fs.String("voices-dir", defaults.Paths.VoicesDir, "Directory holding Piper voice models")
	fs.String("voice-manifest", defaults.Paths.VoiceManifest, "Optional voice manifest (yaml|json)")
	fs.String("backend", defaults.TTS.Backend, "Synthesis engine: piper|pocket-tts")
	fs.String("piper-path", defaults.TTS.PiperPath, "Path to the piper executable")
	fs.String("pocket-path", defaults.TTS.PocketPath, "Path to the pocket-tts executable")
	fs.String("pocket-config", defaults.TTS.PocketConfig, "Path to a pocket-tts config file")
	fs.String("default-voice", defaults.TTS.DefaultVoice, "Voice used when a request names none or an unknown one")
	fs.Int("sample-rate", defaults.TTS.SampleRate, "Sample rate reported when a model declares none")
	fs.Int("min-audio-bytes", defaults.TTS.MinAudioBytes, "Smallest engine output accepted as audio")
	fs.Int("max-stderr-bytes", defaults.TTS.MaxStderrBytes, "Cap on captured engine diagnostics")
	fs.String("extra-args", defaults.TTS.ExtraArgs, "Extra engine arguments (shell quoting)")
	fs.String("temp-dir", defaults.TTS.TempDir, "Parent directory for temporary engine output")
	fs.Bool("quiet", defaults.TTS.Quiet, "Pass --quiet to the engine")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent synthesis processes")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Max request text size in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Float64("rate-limit", defaults.Server.RateLimit, "Requests per second across all clients (0 disables)")
	fs.Int("rate-burst", defaults.Server.RateBurst, "Burst size for --rate-limit")
	fs.StringSlice("cors-origins", defaults.Server.CORSOrigins, "Allowed CORS origins")
	fs.String("service-name", defaults.Server.ServiceName, "Service name reported by /health")
	fs.String("default-response", defaults.Server.DefaultResponse, "Default response mode: json|binary")
	fs.Bool("metrics", defaults.Telemetry.Metrics, "Expose Prometheus metrics on /metrics")
	fs.String("otlp-endpoint", defaults.Telemetry.OTLPEndpoint, "OTLP gRPC endpoint for traces (empty disables)")
	fs.Bool("otlp-insecure", defaults.Telemetry.OTLPInsecure, "Disable TLS for the OTLP exporter")
	fs.String("nats-url", defaults.Bus.NATSURL, "NATS server URL (empty disables the bus transport)")
	fs.String("nats-subject", defaults.Bus.Subject, "NATS subject for synthesis requests")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("PIPERTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("bus.nats_url", "PIPERTTS_BUS_NATS_URL", "NATS_URL"); err != nil {
		return Config{}, fmt.Errorf("bind nats env vars: %w", err)
	}
	if err := v.BindEnv("telemetry.otlp_endpoint", "PIPERTTS_TELEMETRY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); err != nil {
		return Config{}, fmt.Errorf("bind otlp env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pipertts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate normalizes enumerated settings and rejects values no component can use.
func (c *Config) Validate() error {
	backend, err := NormalizeBackend(c.TTS.Backend)
	if err != nil {
		return err
	}
	c.TTS.Backend = backend

	mode := strings.ToLower(strings.TrimSpace(c.Server.DefaultResponse))
	switch mode {
	case "":
		mode = ResponseJSON
	case ResponseJSON, ResponseBinary:
	default:
		return fmt.Errorf("invalid default response %q (expected %s|%s)", c.Server.DefaultResponse, ResponseJSON, ResponseBinary)
	}
	c.Server.DefaultResponse = mode

	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be at least 1, got %d", c.Server.Workers)
	}
	if c.Server.RequestTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}
	if c.TTS.MinAudioBytes < 0 {
		return fmt.Errorf("tts.min_audio_bytes must not be negative, got %d", c.TTS.MinAudioBytes)
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.voices_dir", c.Paths.VoicesDir)
	v.SetDefault("paths.voice_manifest", c.Paths.VoiceManifest)
	v.SetDefault("tts.backend", c.TTS.Backend)
	v.SetDefault("tts.piper_path", c.TTS.PiperPath)
	v.SetDefault("tts.pocket_path", c.TTS.PocketPath)
	v.SetDefault("tts.pocket_config", c.TTS.PocketConfig)
	v.SetDefault("tts.default_voice", c.TTS.DefaultVoice)
	v.SetDefault("tts.sample_rate", c.TTS.SampleRate)
	v.SetDefault("tts.min_audio_bytes", c.TTS.MinAudioBytes)
	v.SetDefault("tts.max_stderr_bytes", c.TTS.MaxStderrBytes)
	v.SetDefault("tts.extra_args", c.TTS.ExtraArgs)
	v.SetDefault("tts.temp_dir", c.TTS.TempDir)
	v.SetDefault("tts.quiet", c.TTS.Quiet)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit", c.Server.RateLimit)
	v.SetDefault("server.rate_burst", c.Server.RateBurst)
	v.SetDefault("server.cors_origins", c.Server.CORSOrigins)
	v.SetDefault("server.service_name", c.Server.ServiceName)
	v.SetDefault("server.default_response", c.Server.DefaultResponse)
	v.SetDefault("telemetry.metrics", c.Telemetry.Metrics)
	v.SetDefault("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", c.Telemetry.OTLPInsecure)
	v.SetDefault("bus.nats_url", c.Bus.NATSURL)
	v.SetDefault("bus.subject", c.Bus.Subject)
}

// bindFlags binds each registered flag to its dotted key. Flags that were not
// registered on fs are skipped so subcommands may register a subset.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", fk.flag, err)
		}
	}
	return nil
}
