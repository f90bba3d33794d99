package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	defaults "github.com/mcuadros/go-defaults"

	"fingerauth/internal/capture"
	"fingerauth/internal/enroll"
	"fingerauth/internal/features"
	"fingerauth/internal/match"
)

const (
	// EnvPath names the environment variable holding the config file path.
	EnvPath           = "FINGERAUTH_CONFIG"
	defaultConfigPath = "~/.config/fingerauth/config.json"
)

// Config holds user-editable settings.
type Config struct {
	Processing Processing           `json:"processing" toml:"processing"`
	Logging    Logging              `json:"logging" toml:"logging"`
	Paths      Paths                `json:"paths" toml:"paths"`
	Device     Device               `json:"device" toml:"device"`
	Features   features.Config      `json:"features" toml:"features"`
	Matching   Matching             `json:"matching" toml:"matching"`
	Quality    enroll.QualityConfig `json:"quality" toml:"quality"`
	Server     Server               `json:"server" toml:"server"`
	Credential Credential           `json:"credential" toml:"credential"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" toml:"parallel_jobs" default:"4" validate:"gte=1"`
	QueueSize    int `json:"queue_size" toml:"queue_size" default:"100" validate:"gte=1"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	Format     string `json:"format" toml:"format" default:"text" validate:"oneof=text json"`
	FileOutput bool   `json:"file_output" toml:"file_output"`
	LogDir     string `json:"log_dir" toml:"log_dir" default:"./logs"`
	MaxAge     int    `json:"max_age" toml:"max_age" default:"30" validate:"gte=1"` // days
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path" toml:"database_path"`
	Inbox        string `json:"inbox" toml:"inbox"`
	Output       string `json:"output" toml:"output" default:"./output"`
}

// Device selects and tunes the capture sensor.
type Device struct {
	Driver         string   `json:"driver" toml:"driver" default:"r30x" validate:"required"`
	Port           string   `json:"port" toml:"port" default:"/dev/ttyUSB0"`
	BaudRate       int      `json:"baud_rate" toml:"baud_rate" default:"57600" validate:"gt=0"`
	Address        uint32   `json:"address" toml:"address" default:"4294967295"`
	Password       uint32   `json:"password" toml:"password"`
	ReadTimeoutMS  int      `json:"read_timeout_ms" toml:"read_timeout_ms" default:"2000" validate:"gt=0"`
	PollIntervalMS int      `json:"poll_interval_ms" toml:"poll_interval_ms" default:"100" validate:"gt=0"`
	SimScans       []string `json:"sim_scans,omitempty" toml:"sim_scans"`
}

// ReadTimeout returns the serial read timeout.
func (d Device) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutMS) * time.Millisecond
}

// Capture returns the polling settings for capture sessions.
func (d Device) Capture() capture.Config {
	return capture.Config{PollInterval: time.Duration(d.PollIntervalMS) * time.Millisecond}
}

// Matching tunes descriptor matching and geometric verification.
type Matching struct {
	Strategy        string  `json:"strategy" toml:"strategy" default:"ratio" validate:"oneof=ratio mutual"`
	Ratio           float64 `json:"ratio" toml:"ratio" default:"0.75" validate:"gt=0,lt=1"`
	MaxDistance     int     `json:"max_distance" toml:"max_distance" default:"57" validate:"gt=0,lte=256"`
	MinMatches      int     `json:"min_matches" toml:"min_matches" default:"10" validate:"gte=4"`
	ReprojThreshold float64 `json:"reproj_threshold" toml:"reproj_threshold" default:"5" validate:"gt=0"`
	MaxIterations   int     `json:"max_iterations" toml:"max_iterations" default:"2000" validate:"gt=0"`
	Confidence      float64 `json:"confidence" toml:"confidence" default:"0.995" validate:"gt=0,lt=1"`
	Seed            int64   `json:"seed" toml:"seed" default:"24301"`
	Workers         int     `json:"workers" toml:"workers" default:"4" validate:"gte=1"`
}

// Matcher builds the configured descriptor matcher.
func (m Matching) Matcher() (match.Matcher, error) {
	return match.NewMatcher(match.Strategy(m.Strategy), m.Ratio, m.MaxDistance)
}

// Verifier builds the configured geometric verifier.
func (m Matching) Verifier() *match.Verifier {
	return &match.Verifier{
		MinMatches:      m.MinMatches,
		ReprojThreshold: m.ReprojThreshold,
		MaxIterations:   m.MaxIterations,
		Confidence:      m.Confidence,
		Seed:            m.Seed,
	}
}

// Server holds listen addresses.
type Server struct {
	HTTPAddr string `json:"http_addr" toml:"http_addr" default:":8080" validate:"required"`
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr" default:":9090" validate:"required"`
}

// Credential points at the external credential service.
type Credential struct {
	BaseURL   string `json:"base_url" toml:"base_url" default:"http://localhost:3000" validate:"required,url"`
	TimeoutMS int    `json:"timeout_ms" toml:"timeout_ms" default:"10000" validate:"gt=0"`
	TokenFile string `json:"token_file" toml:"token_file" default:"~/.config/fingerauth/token"`
}

// Timeout returns the request timeout.
func (c Credential) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads one config file. Files ending in .toml are TOML, anything
// else is JSON. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := ExpandUser(path)
	if err != nil {
		return nil, err
	}

	if err := decodeFile(expanded, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) finish() error {
	for _, p := range []*string{&c.Paths.DatabasePath, &c.Paths.Inbox, &c.Paths.Output, &c.Logging.LogDir, &c.Credential.TokenFile} {
		v, err := ExpandUser(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return c.Validate()
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Paths.DatabasePath = filepath.Join(os.TempDir(), "fingerauth.db")
	return cfg
}

// ExpandUser replaces a leading ~ with the home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
