// Package config provides layered configuration loading for the burnbox
// service. It merges struct defaults with BURNBOX_* environment variables,
// decodes them with mapstructure hooks and validates the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/burnbox/internal/cipher"
	"github.com/haukened/burnbox/internal/domain"
)

const envPrefix = "BURNBOX_"

// Config holds the merged runtime configuration.
type Config struct {
	Addr            string         `koanf:"addr" validate:"required,ip_port"`
	DataDir         string         `koanf:"data_dir" validate:"required,safe_path"`
	LogLevel        string         `koanf:"log_level" validate:"oneof=debug info warn error"`
	MaxBytes        int64          `koanf:"max_bytes" validate:"gt=0"`
	InlineMax       int64          `koanf:"inline_max" validate:"gte=0"`
	MinTTL          time.Duration  `koanf:"min_ttl" validate:"gt=0"`
	MaxTTL          time.Duration  `koanf:"max_ttl" validate:"gt=0"`
	DefaultTTL      time.Duration  `koanf:"default_ttl" validate:"gt=0"`
	DefaultPolicy   domain.Policy  `koanf:"default_policy"`
	KeyLength       int            `koanf:"key_length" validate:"gte=4,lte=256"`
	Scheme          cipher.Scheme  `koanf:"scheme"`
	Database        DatabaseConfig `koanf:"database"`
	Blob            BlobConfig     `koanf:"blob"`
	JanitorInterval time.Duration  `koanf:"janitor_interval" validate:"gt=0"`
	Metrics         MetricsConfig  `koanf:"metrics"`
}

// DatabaseConfig selects the index database.
type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite3 pgx"`
	DSN    string `koanf:"dsn"`
}

// BlobConfig selects where large payloads live.
type BlobConfig struct {
	Backend string   `koanf:"backend" validate:"oneof=filesystem s3"`
	S3      S3Config `koanf:"s3"`
}

// S3Config describes an S3 compatible bucket.
type S3Config struct {
	Bucket       string `koanf:"bucket"`
	Region       string `koanf:"region"`
	Endpoint     string `koanf:"endpoint" validate:"omitempty,url"`
	AccessKey    string `koanf:"access_key"`
	SecretKey    string `koanf:"secret_key"`
	Prefix       string `koanf:"prefix"`
	UsePathStyle bool   `koanf:"use_path_style"`
}

// MetricsConfig controls the persistent metrics manager and endpoint.
type MetricsConfig struct {
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
	Token         string        `koanf:"token"`
}

// DefaultAppConfig holds secure, minimal defaults.
var DefaultAppConfig = Config{
	Addr:            ":8080",
	DataDir:         "./data",
	LogLevel:        "info",
	MaxBytes:        10 << 20, // 10 MiB
	InlineMax:       64 << 10, // 64 KiB
	MinTTL:          time.Minute,
	MaxTTL:          7 * 24 * time.Hour,
	DefaultTTL:      domain.DefaultTTL,
	DefaultPolicy:   domain.PolicyOnView,
	KeyLength:       cipher.DefaultKeyLength,
	Scheme:          cipher.SchemeXOR,
	Database:        DatabaseConfig{Driver: "sqlite3"},
	Blob:            BlobConfig{Backend: "filesystem", S3: S3Config{Region: "us-east-1", Prefix: "records/"}},
	JanitorInterval: time.Minute,
	Metrics:         MetricsConfig{FlushInterval: 5 * time.Second},
}

// defaultLoader, envLoader and registerValidators are swappable in tests.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envKey,
	}), nil)
}

var registerValidators = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("safe_path", validSafePath)
}

// envKey maps BURNBOX_BLOB__S3__BUCKET to blob.s3.bucket.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, envPrefix))
	return strings.ReplaceAll(k, "__", "."), v
}

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToPolicy(),
				StringToScheme(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.crossCheck(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) crossCheck() error {
	if c.MinTTL >= c.MaxTTL {
		return errors.New("min_ttl must be less than max_ttl")
	}
	if c.DefaultTTL < c.MinTTL || c.DefaultTTL > c.MaxTTL {
		return errors.New("default_ttl must be between min_ttl and max_ttl")
	}
	if c.Database.Driver == "pgx" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for the pgx driver")
	}
	if c.Blob.Backend == "s3" && c.Blob.S3.Bucket == "" {
		return errors.New("blob.s3.bucket is required for the s3 backend")
	}
	if (c.Blob.S3.AccessKey == "") != (c.Blob.S3.SecretKey == "") {
		return errors.New("blob.s3.access_key and blob.s3.secret_key must be set together")
	}
	return nil
}

// SQLiteDSN returns the DSN for the SQLite database inside DataDir.
func (c *Config) SQLiteDSN() string {
	dir := c.DataDir
	if dir != "" && !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return "file:" + dir + "burnbox.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// DatabaseDSN returns the configured DSN, deriving one for SQLite when unset.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		return c.SQLiteDSN()
	}
	return c.Database.DSN
}

// validIPPort accepts a literal IP (or empty host) with a port in 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.TrimSpace(s) != s {
		return false
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects empty, root-like and parent-traversing paths.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.TrimSpace(p) == "" {
		return false
	}
	if strings.Trim(p, "/") == "" || p == "." || p == "./" {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
