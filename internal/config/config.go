// Package config provides the configuration schema, loader, and file watcher
// for the voxline voice client.
package config

import (
	"slices"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// HistoryBackend selects where finished conversations are stored.
type HistoryBackend string

const (
	HistoryMemory   HistoryBackend = "memory"
	HistoryFile     HistoryBackend = "file"
	HistoryPostgres HistoryBackend = "postgres"
	HistoryS3       HistoryBackend = "s3"
)

// IsValid reports whether b is a recognised history backend.
func (b HistoryBackend) IsValid() bool {
	switch b {
	case HistoryMemory, HistoryFile, HistoryPostgres, HistoryS3:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":8088"
	DefaultNegotiateTimeout = 10 * time.Second
	DefaultFrameSize        = 4096
	DefaultSampleRate       = 24000
	DefaultHistoryPath      = "voxline-history.json"
	DefaultMaxFailures      = 3
	DefaultResetTimeout     = 30 * time.Second
	DefaultServiceName      = "voxline"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Audio      AudioConfig      `yaml:"audio"`
	History    HistoryConfig    `yaml:"history"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds the control API listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8088").
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the control API. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file" validate:"required"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file" validate:"required"`
}

// AgentConfig identifies the remote agent and how to reach it.
type AgentConfig struct {
	// ID is sent as agentId in the negotiation request.
	ID string `yaml:"id" validate:"required,max=256"`

	// NegotiationURL is the primary session negotiation endpoint.
	NegotiationURL string `yaml:"negotiation_url" validate:"omitempty,url"`

	// FallbackURLs are tried in order when the primary endpoint fails or
	// its circuit breaker is open.
	FallbackURLs []string `yaml:"fallback_urls" validate:"omitempty,dive,url"`

	// Timeout bounds one negotiation request. Default: 10s.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Headers are added to the websocket handshake (e.g. an API key).
	Headers map[string]string `yaml:"headers"`
}

// Endpoints returns the negotiation endpoints in the order they are tried.
func (a AgentConfig) Endpoints() []string {
	var out []string
	if a.NegotiationURL != "" {
		out = append(out, a.NegotiationURL)
	}
	for _, u := range a.FallbackURLs {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

// AudioConfig tunes the local audio devices.
type AudioConfig struct {
	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int `yaml:"frame_size" validate:"omitempty,gte=128,lte=65536"`

	// DefaultSampleRate is used when negotiation omits the sample rate.
	// Default: 24000.
	DefaultSampleRate int `yaml:"default_sample_rate" validate:"omitempty,gte=8000,lte=192000"`

	// DeviceSampleRate forces the hardware rate. Zero opens the devices at
	// the negotiated rate.
	DeviceSampleRate int `yaml:"device_sample_rate" validate:"omitempty,gte=8000,lte=192000"`
}

// HistoryConfig selects and configures the conversation history store.
type HistoryConfig struct {
	// Backend is one of memory, file, postgres, s3. Default: file.
	Backend HistoryBackend `yaml:"backend"`

	// Path is the JSON document used by the file backend.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string of the postgres backend.
	// Overridden by VOXLINE_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`

	S3 S3Config `yaml:"s3"`
}

// S3Config configures the s3 history backend. Any S3-compatible provider
// works; set Endpoint for non-AWS services.
type S3Config struct {
	Bucket   string `yaml:"bucket" validate:"omitempty,min=3,max=63"`
	Prefix   string `yaml:"prefix" validate:"omitempty,max=512"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`

	// AccessKeyID is overridden by VOXLINE_S3_ACCESS_KEY_ID.
	AccessKeyID string `yaml:"access_key_id"`

	// SecretAccessKey is overridden by VOXLINE_S3_SECRET_ACCESS_KEY.
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ResilienceConfig tunes the circuit breaker guarding each negotiation
// endpoint.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int `yaml:"max_failures" validate:"gte=0,lte=100"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout" validate:"gte=0"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName is the service.name resource attribute. Default: voxline.
	ServiceName string `yaml:"service_name"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultNegotiateTimeout
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = DefaultFrameSize
	}
	if c.Audio.DefaultSampleRate == 0 {
		c.Audio.DefaultSampleRate = DefaultSampleRate
	}
	if c.History.Backend == "" {
		c.History.Backend = HistoryFile
	}
	if c.History.Backend == HistoryFile && c.History.Path == "" {
		c.History.Path = DefaultHistoryPath
	}
	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = DefaultMaxFailures
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = DefaultResetTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}
