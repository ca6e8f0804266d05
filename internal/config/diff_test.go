package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Agent: config.AgentConfig{
			ID:             "concierge",
			NegotiationURL: "https://agents.example.com/session",
			FallbackURLs:   []string{"https://eu.example.com/session"},
			Headers:        map[string]string{"X-Api-Key": "a"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, []string{"server"}},
		{"tls added", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, []string{"server"}},
		{"fallback order", func(c *config.Config) { c.Agent.FallbackURLs = []string{"https://us.example.com/session"} }, []string{"agent"}},
		{"header value", func(c *config.Config) { c.Agent.Headers["X-Api-Key"] = "b" }, []string{"agent"}},
		{"frame size", func(c *config.Config) { c.Audio.FrameSize = 1024 }, []string{"audio"}},
		{"backend", func(c *config.Config) { c.History.Backend = config.HistoryMemory }, []string{"history"}},
		{"breaker", func(c *config.Config) { c.Resilience.ResetTimeout = time.Minute }, []string{"resilience"}},
		{"service name", func(c *config.Config) { c.Telemetry.ServiceName = "other" }, []string{"telemetry"}},
		{
			"several",
			func(c *config.Config) {
				c.Agent.ID = "night-desk"
				c.History.S3.Bucket = "calls"
			},
			[]string{"agent", "history"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.want)
			}
			if d.LogLevelChanged {
				t.Error("log level reported as changed")
			}
		})
	}
}
