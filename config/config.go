// Package config reads phonematch settings from viper: config.yaml,
// PHONEMATCH_ environment variables and bound command flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/phonematch/phoneme"
	"node.town/phonematch/resample"
	"node.town/phonematch/session"
)

const EnvPrefix = "PHONEMATCH"

const (
	KeyEndpoint           = "endpoint"
	KeyPhonemes           = "phonemes"
	KeyDevice             = "device"
	KeyChunkDuration      = "chunk_duration"
	KeyTargetRate         = "target_rate"
	KeyBlockSize          = "block_size"
	KeyResampler          = "resampler"
	KeyMaxPendingChunks   = "max_pending_chunks"
	KeyPingInterval       = "ping_interval"
	KeyInsecureSkipVerify = "insecure_skip_verify"
	KeyLogLevel           = "log_level"
	KeyMetricsAddr        = "metrics_addr"
)

type Settings struct {
	Endpoint           string
	Phonemes           phoneme.Phonemes
	Device             string
	ChunkDuration      time.Duration
	TargetRate         float64
	BlockSize          int
	Resampler          string
	MaxPendingChunks   int
	PingInterval       time.Duration
	InsecureSkipVerify bool
	LogLevel           log.Level
	MetricsAddr        string
}

// New returns a viper instance with defaults and environment lookup set
// up. The caller adds config paths and binds flags.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEndpoint, phoneme.DefaultEndpoint)
	v.SetDefault(KeyPhonemes, phoneme.DefaultPhonemes)
	v.SetDefault(KeyDevice, "")
	v.SetDefault(KeyChunkDuration, session.DefaultChunkDuration)
	v.SetDefault(KeyTargetRate, phoneme.TargetRate)
	v.SetDefault(KeyBlockSize, session.DefaultBlockSize)
	v.SetDefault(KeyResampler, resample.NameLinear)
	v.SetDefault(KeyMaxPendingChunks, session.DefaultMaxPendingChunks)
	v.SetDefault(KeyPingInterval, phoneme.PingInterval)
	v.SetDefault(KeyInsecureSkipVerify, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
}

// ReadFile loads config.yaml from dir. A missing file is not an error.
func ReadFile(v *viper.Viper, dir string) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func Load(v *viper.Viper) (Settings, error) {
	level, err := log.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}

	s := Settings{
		Endpoint:           v.GetString(KeyEndpoint),
		Phonemes:           phonemes(v),
		Device:             v.GetString(KeyDevice),
		ChunkDuration:      v.GetDuration(KeyChunkDuration),
		TargetRate:         v.GetFloat64(KeyTargetRate),
		BlockSize:          v.GetInt(KeyBlockSize),
		Resampler:          v.GetString(KeyResampler),
		MaxPendingChunks:   v.GetInt(KeyMaxPendingChunks),
		PingInterval:       v.GetDuration(KeyPingInterval),
		InsecureSkipVerify: v.GetBool(KeyInsecureSkipVerify),
		LogLevel:           level,
		MetricsAddr:        v.GetString(KeyMetricsAddr),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// phonemes accepts either a YAML list or a space separated string.
func phonemes(v *viper.Viper) phoneme.Phonemes {
	if list, ok := v.Get(KeyPhonemes).([]any); ok {
		out := make(phoneme.Phonemes, 0, len(list))
		for _, item := range list {
			out = append(out, strings.TrimSpace(fmt.Sprint(item)))
		}
		return out
	}
	return phoneme.ParsePhonemes(v.GetString(KeyPhonemes))
}

func (s Settings) Validate() error {
	if !strings.HasPrefix(s.Endpoint, "ws://") && !strings.HasPrefix(s.Endpoint, "wss://") {
		return fmt.Errorf("%s must be a ws:// or wss:// URL, got %q", KeyEndpoint, s.Endpoint)
	}
	if err := s.Phonemes.Validate(); err != nil {
		return fmt.Errorf("%s: %w", KeyPhonemes, err)
	}
	if s.ChunkDuration <= 0 {
		return fmt.Errorf("%s must be positive, got %v", KeyChunkDuration, s.ChunkDuration)
	}
	if s.TargetRate <= 0 {
		return fmt.Errorf("%s must be positive, got %v", KeyTargetRate, s.TargetRate)
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyBlockSize, s.BlockSize)
	}
	if _, err := resample.ByName(s.Resampler); err != nil {
		return fmt.Errorf("%s: %w", KeyResampler, err)
	}
	if s.MaxPendingChunks < 0 {
		return fmt.Errorf("%s must not be negative, got %d", KeyMaxPendingChunks, s.MaxPendingChunks)
	}
	if s.PingInterval < 0 {
		return fmt.Errorf("%s must not be negative, got %v", KeyPingInterval, s.PingInterval)
	}
	return nil
}

func (s Settings) Session() session.Config {
	return session.Config{
		Phonemes:         s.Phonemes.Clone(),
		ChunkDuration:    s.ChunkDuration,
		BlockSize:        s.BlockSize,
		TargetRate:       s.TargetRate,
		MaxPendingChunks: s.MaxPendingChunks,
	}
}

func (s Settings) Dial(logger *log.Logger) phoneme.DialOptions {
	return phoneme.DialOptions{
		Endpoint:           s.Endpoint,
		InsecureSkipVerify: s.InsecureSkipVerify,
		PingInterval:       s.PingInterval,
		Logger:             logger,
	}
}

// Resample returns the configured resampler. Settings from Load are
// already validated.
func (s Settings) Resample() resample.Func {
	fn, err := resample.ByName(s.Resampler)
	if err != nil {
		return resample.Linear
	}
	return fn
}
