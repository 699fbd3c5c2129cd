package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
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
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment variables named in the external
// interfaces section of the specification over whatever the config file
// declared.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("USER_COOKIES_DB_PATH"); v != "" {
		c.Store.Path = v
	}
}

var validFrameSizes = []int{10, 20, 30}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found, rather than failing
// on the first one, so an operator sees the whole picture in one run.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: json, text", cfg.Log.Format))
	}
	if !cfg.Whisper.Device.IsValid() {
		errs = append(errs, fmt.Errorf("whisper.device %q is invalid; valid values: cpu, gpu", cfg.Whisper.Device))
	}
	if cfg.Whisper.Model == "" {
		errs = append(errs, errors.New("whisper.model is required"))
	}

	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0,3]", cfg.VAD.Aggressiveness))
	}
	if !slices.Contains(validFrameSizes, cfg.VAD.FrameMs) {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}
	if cfg.VAD.SoftLen <= 0 || cfg.VAD.HardLen <= 0 || cfg.VAD.SoftLen >= cfg.VAD.HardLen {
		errs = append(errs, fmt.Errorf("vad.soft_len (%d) must be positive and less than vad.hard_len (%d)", cfg.VAD.SoftLen, cfg.VAD.HardLen))
	}
	if cfg.VAD.FlushSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.flush_silence_ms %d must be positive", cfg.VAD.FlushSilenceMs))
	}

	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.db_path is required"))
	}

	return errors.Join(errs...)
}
