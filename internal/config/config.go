// Package config provides YAML configuration loading and validation for
// cmd/monitord, grounded on the teacher's internal/config/config.go:
// unmarshal, apply defaults, validate, return one joined error describing
// every violation found.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/monitor/internal/ctype"
)

// Config is the top-level configuration structure for monitord.
type Config struct {
	// ABI selects the (compiler, arch) pair every stream's registry parses
	// declarations under. Required.
	ABI ABIConfig `yaml:"abi"`

	// StructSources lists C struct/union/typedef source files parsed into
	// the registry at startup, in order. May be empty when Postgres holds
	// an already-parsed snapshot to restore instead.
	StructSources []string `yaml:"struct_sources,omitempty"`

	// Streams lists the named packet capture files monitord indexes and
	// plays back. At least one is required.
	Streams []StreamConfig `yaml:"streams"`

	// API configures the read-only HTTP query surface. Required.
	API APIConfig `yaml:"api"`

	// GRPC configures the PacketStream gRPC service. Required.
	GRPC GRPCConfig `yaml:"grpc"`

	// Postgres, if set, enables registry snapshot persistence.
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`

	// SQLiteIndexPath, if set, enables the SQLite-backed index cache
	// instead of the flat-file sidecar cache.
	SQLiteIndexPath string `yaml:"sqlite_index_path,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// ABIConfig selects a ctype.ABI by name.
type ABIConfig struct {
	Compiler string `yaml:"compiler"`
	Arch     string `yaml:"arch"`
}

// Resolve converts cfg into a ctype.ABI. Call only after Validate succeeds.
func (cfg ABIConfig) Resolve() ctype.ABI {
	return ctype.ABI{Compiler: ctype.Compiler(cfg.Compiler), Arch: ctype.Arch(cfg.Arch)}
}

// StreamConfig names one packet capture file and its playback defaults.
type StreamConfig struct {
	// Name identifies this stream in API/gRPC routes (e.g. "demo"). Required.
	Name string `yaml:"name"`

	// Path is the packet capture file to index and play back. Required.
	Path string `yaml:"path"`

	// CachePath overrides the default sidecar cache location
	// (path + ".idx.cache") when set.
	CachePath string `yaml:"cache_path,omitempty"`

	// Loop sets the playback engine's initial loop flag.
	Loop bool `yaml:"loop,omitempty"`

	// Realtime sets the playback engine's initial realtime flag. Defaults
	// to true when omitted (applyDefaults fills it in only when the pointer
	// is nil, so an explicit false survives).
	Realtime *bool `yaml:"realtime,omitempty"`

	// Speed sets the playback engine's initial speed multiplier. Defaults
	// to 1.0 when omitted.
	Speed float64 `yaml:"speed,omitempty"`
}

// APIConfig configures the HTTP query surface.
type APIConfig struct {
	// ListenAddr is the HTTP listen address (e.g. "127.0.0.1:8080"). Required.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath, if set, enables Bearer-token authentication on all
	// /v1 routes using the RSA public key (PEM) at this path. Omit to serve
	// the API without authentication (test/development only).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path,omitempty"`
}

// LoadPublicKey reads and parses the PEM-encoded RSA public key named by
// JWTPublicKeyPath. Returns (nil, nil) when no key is configured.
func (cfg APIConfig) LoadPublicKey() (*rsa.PublicKey, error) {
	if cfg.JWTPublicKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: read jwt_public_key_path %q: %w", cfg.JWTPublicKeyPath, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("config: %q contains no PEM block", cfg.JWTPublicKeyPath)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse public key %q: %w", cfg.JWTPublicKeyPath, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("config: %q is not an RSA public key", cfg.JWTPublicKeyPath)
	}
	return rsaPub, nil
}

// GRPCConfig configures the PacketStream gRPC service.
type GRPCConfig struct {
	// ListenAddr is the gRPC listen address (e.g. "127.0.0.1:9090"). Required.
	ListenAddr string `yaml:"listen_addr"`
}

// PostgresConfig configures registry snapshot persistence.
type PostgresConfig struct {
	// DSN is a libpq-style connection string. Required when Postgres is set.
	DSN string `yaml:"dsn"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCompilers = map[string]bool{
	string(ctype.MSVC): true, string(ctype.GCC): true, string(ctype.Clang): true,
}

var validArches = map[string]bool{
	string(ctype.X86): true, string(ctype.X64): true, string(ctype.ARM32): true, string(ctype.ARM64): true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for i := range cfg.Streams {
		if cfg.Streams[i].CachePath == "" {
			cfg.Streams[i].CachePath = cfg.Streams[i].Path + ".idx.cache"
		}
		if cfg.Streams[i].Realtime == nil {
			realtime := true
			cfg.Streams[i].Realtime = &realtime
		}
		if cfg.Streams[i].Speed == 0 {
			cfg.Streams[i].Speed = 1.0
		}
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields contain only valid values, returning an errors.Join of
// every violation found (nil when cfg is valid).
func (cfg *Config) Validate() error {
	var errs []error

	if !validCompilers[cfg.ABI.Compiler] {
		errs = append(errs, fmt.Errorf("abi.compiler %q must be one of: msvc, gcc, clang", cfg.ABI.Compiler))
	}
	if !validArches[cfg.ABI.Arch] {
		errs = append(errs, fmt.Errorf("abi.arch %q must be one of: x86, x64, arm32, arm64", cfg.ABI.Arch))
	}

	if len(cfg.Streams) == 0 {
		errs = append(errs, errors.New("streams: at least one stream is required"))
	}
	if len(cfg.StructSources) == 0 && cfg.Postgres == nil {
		errs = append(errs, errors.New("struct_sources: at least one source file is required when postgres is not configured"))
	}
	seen := map[string]bool{}
	for i, st := range cfg.Streams {
		prefix := fmt.Sprintf("streams[%d]", i)
		if st.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[st.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate stream name %q", prefix, st.Name))
		}
		seen[st.Name] = true
		if st.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if st.Speed < 0 {
			errs = append(errs, fmt.Errorf("%s: speed must be >= 0", prefix))
		}
	}

	if cfg.API.ListenAddr == "" {
		errs = append(errs, errors.New("api.listen_addr is required"))
	}
	if cfg.GRPC.ListenAddr == "" {
		errs = append(errs, errors.New("grpc.listen_addr is required"))
	}
	if cfg.Postgres != nil && cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when postgres is configured"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
