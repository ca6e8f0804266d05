package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets live here so the
// YAML file can be committed.
const (
	EnvAgentID           = "VOXLINE_AGENT_ID"
	EnvPostgresDSN       = "VOXLINE_POSTGRES_DSN"
	EnvS3AccessKeyID     = "VOXLINE_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "VOXLINE_S3_SECRET_ACCESS_KEY"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report YAML key names instead of Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overwrites fields that have a non-empty environment override.
// lookup has the signature of [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Agent.ID, EnvAgentID)
	set(&cfg.History.PostgresDSN, EnvPostgresDSN)
	set(&cfg.History.S3.AccessKeyID, EnvS3AccessKeyID)
	set(&cfg.History.S3.SecretAccessKey, EnvS3SecretAccessKey)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Agent.Endpoints()) == 0 {
		errs = append(errs, errors.New("agent.negotiation_url is required"))
	}

	switch cfg.History.Backend {
	case "", HistoryMemory:
	case HistoryFile:
		if cfg.History.Path == "" {
			errs = append(errs, errors.New("history.path is required when backend is file"))
		}
	case HistoryPostgres:
		if cfg.History.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("history.postgres_dsn is required when backend is postgres (or set %s)", EnvPostgresDSN))
		}
	case HistoryS3:
		if cfg.History.S3.Bucket == "" {
			errs = append(errs, errors.New("history.s3.bucket is required when backend is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, file, postgres, s3", cfg.History.Backend))
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Join(append(errs, err)...)
		}
		for _, e := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(e), formatValidationMessage(e)))
		}
	}

	return errors.Join(errs...)
}

// fieldPath strips the root type name from the validator namespace, so
// "Config.agent.id" becomes "agent.id".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "hostname_port":
		return "must be a host:port address"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
