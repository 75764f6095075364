package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/bits"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by [ApplyEnv].
const (
	EnvGeminiAPIKey      = "GEMINI_API_KEY"
	EnvPostgresDSN       = "IELTS_POSTGRES_DSN"
	EnvOAuthClientSecret = "IELTS_OAUTH_CLIENT_SECRET"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultTextModel         = "gemini-2.5-flash"
	DefaultLocale            = "en-GB"
	DefaultCaptureBufferSize = 4096
	DefaultOutputBufferSize  = 512
	DefaultFFTSize           = 256
	DefaultSmoothing         = 0.8
	DefaultLevelsInterval    = 50 * time.Millisecond
	DefaultPreparation       = 60 * time.Second
	DefaultSpeaking          = 120 * time.Second
	DefaultEndOfSpeech       = 150 * time.Second
	DefaultPollInterval      = 10 * time.Second
	DefaultInitialSeconds    = 600
	DefaultSQLitePath        = "data/ielts-coach.db"
	DefaultStaticUser        = "local"
	DefaultShutdownTimeout   = 10 * time.Second
)

// Load reads the YAML configuration file at path, fills defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil {
			slog.Debug("config: loaded env file", "path", p)
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("config: load %q: %w", p, err)
	}
	return nil
}

// ApplyEnv fills secrets left empty in the file from the environment.
func ApplyEnv(cfg *Config) {
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv(EnvGeminiAPIKey)
	}
	if cfg.Store.PostgresDSN == "" {
		cfg.Store.PostgresDSN = os.Getenv(EnvPostgresDSN)
	}
	if g := cfg.Identity.Google; g != nil && g.ClientSecret == "" {
		g.ClientSecret = os.Getenv(EnvOAuthClientSecret)
	}
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setDefault(&cfg.Gemini.TextModel, DefaultTextModel)
	setDefault(&cfg.Gemini.Locale, DefaultLocale)

	setDefault(&cfg.Audio.CaptureBufferSize, DefaultCaptureBufferSize)
	setDefault(&cfg.Audio.OutputBufferSize, DefaultOutputBufferSize)
	setDefault(&cfg.Audio.FFTSize, DefaultFFTSize)
	setDefault(&cfg.Audio.Smoothing, DefaultSmoothing)
	setDefault(&cfg.Audio.LevelsInterval, DefaultLevelsInterval)

	setDefault(&cfg.Session.Preparation, DefaultPreparation)
	setDefault(&cfg.Session.Speaking, DefaultSpeaking)
	setDefault(&cfg.Session.EndOfSpeechTimeout, DefaultEndOfSpeech)

	setDefault(&cfg.Credits.PollInterval, DefaultPollInterval)
	setDefault(&cfg.Credits.InitialSeconds, DefaultInitialSeconds)

	setDefault(&cfg.Store.Backend, StoreMemory)
	if cfg.Store.Backend == StoreSQLite {
		setDefault(&cfg.Store.SQLitePath, DefaultSQLitePath)
	}

	setDefault(&cfg.Identity.Kind, IdentityStatic)
	if cfg.Identity.Kind == IdentityStatic {
		setDefault(&cfg.Identity.StaticUser, DefaultStaticUser)
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if t := cfg.Server.TLS; t != nil && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Gemini.APIKey == "" {
		errs = append(errs, fmt.Errorf("gemini.api_key is required (or set %s)", EnvGeminiAPIKey))
	}

	a := cfg.Audio
	if a.CaptureBufferSize < 256 || a.CaptureBufferSize > 16384 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer_size %d is out of range [256, 16384]", a.CaptureBufferSize))
	}
	if a.DeviceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.device_sample_rate %d must not be negative", a.DeviceSampleRate))
	}
	if a.OutputBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer_size %d must be positive", a.OutputBufferSize))
	}
	if a.FFTSize < 32 || a.FFTSize > 32768 || bits.OnesCount(uint(a.FFTSize)) != 1 {
		errs = append(errs, fmt.Errorf("audio.fft_size %d must be a power of two in [32, 32768]", a.FFTSize))
	}
	if a.Smoothing < 0 || a.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("audio.smoothing %.2f is out of range [0, 1)", a.Smoothing))
	}

	if cfg.Session.Preparation < time.Second {
		errs = append(errs, fmt.Errorf("session.preparation %s must be at least 1s", cfg.Session.Preparation))
	}
	if cfg.Session.Speaking < time.Second {
		errs = append(errs, fmt.Errorf("session.speaking %s must be at least 1s", cfg.Session.Speaking))
	}
	if cfg.Session.EndOfSpeechTimeout < cfg.Session.Speaking {
		slog.Warn("session.end_of_speech_timeout is shorter than session.speaking; the examiner may reply during the Part 2 monologue",
			"end_of_speech_timeout", cfg.Session.EndOfSpeechTimeout,
			"speaking", cfg.Session.Speaking,
		)
	}

	if cfg.Credits.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("credits.poll_interval %s must be at least 1s", cfg.Credits.PollInterval))
	}
	if cfg.Credits.InitialSeconds < 0 {
		errs = append(errs, fmt.Errorf("credits.initial_seconds %d must not be negative", cfg.Credits.InitialSeconds))
	}

	switch cfg.Store.Backend {
	case StoreMemory:
		slog.Warn("store.backend is memory; sessions and credits are lost on restart")
	case StoreSQLite:
		if cfg.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required when backend is sqlite"))
		}
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("store.postgres_dsn is required when backend is postgres (or set %s)", EnvPostgresDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	}

	switch cfg.Identity.Kind {
	case IdentityStatic:
		if cfg.Identity.StaticUser == "" {
			errs = append(errs, errors.New("identity.static_user is required when kind is static"))
		}
	case IdentityOAuth:
		g := cfg.Identity.Google
		if g == nil {
			errs = append(errs, errors.New("identity.google is required when kind is oauth"))
			break
		}
		if g.ClientID == "" {
			errs = append(errs, errors.New("identity.google.client_id is required"))
		}
		if g.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("identity.google.client_secret is required (or set %s)", EnvOAuthClientSecret))
		}
		if g.RedirectURL == "" {
			errs = append(errs, errors.New("identity.google.redirect_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("identity.kind %q is invalid; valid values: static, oauth", cfg.Identity.Kind))
	}

	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}
