package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("gemini:\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.Preparation != 60*time.Second || cfg.Session.Speaking != 120*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Credits.PollInterval != 10*time.Second || cfg.Credits.InitialSeconds != config.DefaultInitialSeconds {
		t.Errorf("credits = %+v", cfg.Credits)
	}
	if cfg.Audio.CaptureBufferSize != 4096 || cfg.Audio.FFTSize != 256 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Store.Backend != config.StoreMemory || cfg.Identity.Kind != config.IdentityStatic || cfg.Identity.StaticUser != "local" {
		t.Errorf("store = %+v identity = %+v", cfg.Store, cfg.Identity)
	}
	if cfg.Gemini.Locale != "en-GB" || cfg.Gemini.TextModel != config.DefaultTextModel {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
}

func TestLoadFromReader_FullFile(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9000"
  log_level: debug
  origin_patterns: ["localhost:5173"]
gemini:
  api_key: secret
  voice: Puck
  locale: en-US
audio:
  capture_buffer_size: 2048
  device_sample_rate: 48000
  fft_size: 512
  smoothing: 0.5
session:
  preparation: 30s
  speaking: 90s
  end_of_speech_timeout: 2m
credits:
  poll_interval: 5s
  initial_seconds: 1200
store:
  backend: sqlite
identity:
  kind: oauth
  google:
    client_id: id
    client_secret: shh
    redirect_url: http://localhost:9000/auth/callback
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug || len(cfg.Server.OriginPatterns) != 1 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.Preparation != 30*time.Second || cfg.Session.Speaking != 90*time.Second || cfg.Session.EndOfSpeechTimeout != 2*time.Minute {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Audio.DeviceSampleRate != 48000 || cfg.Audio.FFTSize != 512 || cfg.Audio.Smoothing != 0.5 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Store.SQLitePath != config.DefaultSQLitePath {
		t.Errorf("sqlite_path = %q, want default", cfg.Store.SQLitePath)
	}
	if cfg.Identity.Google == nil || cfg.Identity.Google.ClientID != "id" {
		t.Errorf("identity = %+v", cfg.Identity)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("gemini:\n  api_key: k\n  temperature: 2\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
gemini:
  api_key: k
audio:
  fft_size: 300
  smoothing: 1.5
store:
  backend: redis
identity:
  kind: saml
telemetry:
  sample_ratio: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "fft_size", "smoothing", "store.backend", "identity.kind", "sample_ratio"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "oauth without google",
			yaml: "gemini: {api_key: k}\nidentity: {kind: oauth}\n",
			want: "identity.google is required",
		},
		{
			name: "oauth missing redirect",
			yaml: "gemini: {api_key: k}\nidentity: {kind: oauth, google: {client_id: a, client_secret: b}}\n",
			want: "redirect_url",
		},
		{
			name: "tls missing key",
			yaml: "gemini: {api_key: k}\nserver: {tls: {cert_file: c.pem}}\n",
			want: "server.tls",
		},
		{
			name: "preparation too short",
			yaml: "gemini: {api_key: k}\nsession: {preparation: 10ms}\n",
			want: "session.preparation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv_FillsSecrets(t *testing.T) {
	t.Setenv(config.EnvGeminiAPIKey, "from-env")
	t.Setenv(config.EnvPostgresDSN, "postgres://localhost/ielts")

	cfg, err := config.LoadFromReader(strings.NewReader("store:\n  backend: postgres\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Gemini.APIKey != "from-env" || cfg.Store.PostgresDSN != "postgres://localhost/ielts" {
		t.Errorf("gemini = %+v store = %+v", cfg.Gemini, cfg.Store)
	}

	cfg, err = config.LoadFromReader(strings.NewReader("gemini:\n  api_key: from-file\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gemini.APIKey != "from-file" {
		t.Errorf("file value overridden: %q", cfg.Gemini.APIKey)
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	t.Setenv(config.EnvGeminiAPIKey, "")
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "gemini.api_key") {
		t.Errorf("err = %v, want missing api key", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gemini:\n  api_key: k\nserver:\n  listen_addr: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("IELTS_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IELTS_TEST_DOTENV", "")
	os.Unsetenv("IELTS_TEST_DOTENV")

	if err := config.LoadDotEnv(filepath.Join(dir, "absent.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("IELTS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("IELTS_TEST_DOTENV = %q, want loaded", got)
	}
}
