package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9090"
  log_level: debug

agent:
  id: concierge
  negotiation_url: https://agents.example.com/v1/session
  fallback_urls:
    - https://agents-eu.example.com/v1/session
    - https://agents.example.com/v1/session
  timeout: 4s
  headers:
    X-Api-Key: secret

audio:
  frame_size: 2048
  device_sample_rate: 48000

history:
  backend: s3
  s3:
    bucket: voxline-history
    prefix: calls/
    endpoint: http://127.0.0.1:9000

resilience:
  max_failures: 5
  reset_timeout: 1m

telemetry:
  service_name: voxline-desk
`

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Agent.Timeout != 4*time.Second || cfg.Agent.Headers["X-Api-Key"] != "secret" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	want := []string{"https://agents.example.com/v1/session", "https://agents-eu.example.com/v1/session"}
	if got := cfg.Agent.Endpoints(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Endpoints() = %v, want %v (deduplicated, primary first)", got, want)
	}
	if cfg.Audio.FrameSize != 2048 || cfg.Audio.DeviceSampleRate != 48000 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.DefaultSampleRate != config.DefaultSampleRate {
		t.Errorf("default_sample_rate = %d, want default", cfg.Audio.DefaultSampleRate)
	}
	if cfg.History.Backend != config.HistoryS3 || cfg.History.S3.Bucket != "voxline-history" {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.History.Path != "" {
		t.Errorf("history.path = %q, want empty for s3 backend", cfg.History.Path)
	}
	if cfg.Resilience.MaxFailures != 5 || cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
	if cfg.Telemetry.ServiceName != "voxline-desk" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Agent.Timeout != config.DefaultNegotiateTimeout {
		t.Errorf("timeout = %v", cfg.Agent.Timeout)
	}
	if cfg.Audio.FrameSize != config.DefaultFrameSize || cfg.Audio.DefaultSampleRate != config.DefaultSampleRate {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.DeviceSampleRate != 0 {
		t.Errorf("device_sample_rate = %d, want 0 (follow negotiation)", cfg.Audio.DeviceSampleRate)
	}
	if cfg.History.Backend != config.HistoryFile || cfg.History.Path != config.DefaultHistoryPath {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Resilience.MaxFailures != config.DefaultMaxFailures || cfg.Resilience.ResetTimeout != config.DefaultResetTimeout {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
	if cfg.Telemetry.ServiceName != config.DefaultServiceName {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Audio:   config.AudioConfig{FrameSize: 512},
		History: config.HistoryConfig{Backend: config.HistoryFile, Path: "/var/lib/voxline/h.json"},
	}
	cfg.ApplyDefaults()
	if cfg.Audio.FrameSize != 512 || cfg.History.Path != "/var/lib/voxline/h.json" {
		t.Errorf("explicit values overwritten: %+v %+v", cfg.Audio, cfg.History)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestHistoryBackend_IsValid(t *testing.T) {
	t.Parallel()
	for _, b := range []config.HistoryBackend{config.HistoryMemory, config.HistoryFile, config.HistoryPostgres, config.HistoryS3} {
		if !b.IsValid() {
			t.Errorf("%q should be valid", b)
		}
	}
	if config.HistoryBackend("").IsValid() {
		t.Error("empty backend should be invalid")
	}
}

func TestLoadFromReader_EmptyDocumentNeedsAgent(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "agent.id") {
		t.Errorf("err = %v, want agent.id validation error", err)
	}
}
