// Package config provides the configuration schema and loader for
// streamscribe.
package config

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

// LogFormat selects the slog handler used for process logs.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatJSON || f == LogFormatText
}

// WhisperDevice selects the compute device for local transcription.
type WhisperDevice string

const (
	WhisperDeviceCPU WhisperDevice = "cpu"
	WhisperDeviceGPU WhisperDevice = "gpu"
)

// IsValid reports whether d is a recognised device.
func (d WhisperDevice) IsValid() bool {
	return d == WhisperDeviceCPU || d == WhisperDeviceGPU
}

// Config is the root configuration structure for streamscribe. It is
// typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Whisper WhisperConfig `yaml:"whisper"`
	YouTube YouTubeConfig `yaml:"youtube"`
	Discord DiscordConfig `yaml:"discord"`
	VAD     VADConfig     `yaml:"vad"`
	Store   StoreConfig   `yaml:"store"`

	// Unknown holds any top-level keys not recognised above. They are
	// preserved verbatim and never interpreted.
	Unknown map[string]any `yaml:",inline"`
}

// LogConfig controls process-wide structured logging.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// HTTPConfig controls the health/metrics HTTP server.
type HTTPConfig struct {
	// Addr is the listen address for /health and /metrics, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// WhisperConfig configures the local speech-to-text engine.
type WhisperConfig struct {
	// Model is a path to a whisper.cpp GGML/GGUF model file.
	Model string `yaml:"model"`

	// Device selects cpu or gpu. When gpu, the worker pool is pinned to a
	// single worker to serialize accelerator access.
	Device WhisperDevice `yaml:"device"`

	// Language is the default language hint ("auto" for automatic
	// detection) used when a user has not set preferred_language.
	Language string `yaml:"language"`
}

// YouTubeConfig configures the media downloader child process.
type YouTubeConfig struct {
	// DownloadDir is scratch space for the downloader subprocess, if it
	// needs one. The reference pipeline streams directly to stdout and
	// does not persist files, but some downloader versions require a
	// working directory.
	DownloadDir string `yaml:"download_dir"`

	// Format is the yt-dlp format selector (e.g. "bestaudio").
	Format string `yaml:"format"`

	// KeepVideo is decoded from the file but no component reads it; the
	// media pipeline decodes the stream through ffmpeg and writes no
	// intermediate file. Default false.
	KeepVideo bool `yaml:"keep_video"`
}

// DiscordConfig configures the chat-platform binding.
type DiscordConfig struct {
	// WebhookURL is decoded from the file but no component reads it; the
	// single-workspace fallback client is built from the bot token and
	// guild ID passed to the chat registry instead.
	WebhookURL string `yaml:"webhook_url"`

	// Channel is decoded from the file but no component reads it.
	Channel string `yaml:"channel"`

	// IncludeTimestamps is decoded from the file but no component reads
	// it; it does not change how sentences are posted.
	IncludeTimestamps bool `yaml:"include_timestamps"`

	// SendErrorsToDiscord is decoded from the file but no component reads
	// it; it does not change how FAILED-state errors are reported.
	SendErrorsToDiscord bool `yaml:"send_errors_to_slack"`
}

// VADConfig configures voice-activity detection and sentence assembly.
type VADConfig struct {
	// Aggressiveness in [0,3]; higher is stricter. Default 2. A zero value
	// is replaced by the default, so level 0 cannot be selected here.
	Aggressiveness int `yaml:"aggressiveness"`

	// FrameMs is the VAD frame size in {10,20,30}. Default 30.
	FrameMs int `yaml:"frame_ms"`

	// FlushSilenceMs is the inter-fragment silence duration after which
	// SentenceAssembler flushes its buffer. Default 1500.
	FlushSilenceMs int64 `yaml:"flush_silence_ms"`

	// SoftLen is the buffer length past which a soft terminator flushes.
	// Default 120.
	SoftLen int `yaml:"soft_len"`

	// HardLen is the buffer length past which the buffer is force-flushed
	// regardless of terminators. Default 400.
	HardLen int `yaml:"hard_len"`
}

// StoreConfig configures the durable local database.
type StoreConfig struct {
	// Path is the SQLite database file path. Overridden by the
	// USER_COOKIES_DB_PATH environment variable when set.
	Path string `yaml:"db_path"`
}

// applyDefaults applies the specification's documented default values for any
// zero-valued field. Called by LoadFromReader after decoding.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = LogInfo
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatJSON
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Whisper.Device == "" {
		c.Whisper.Device = WhisperDeviceCPU
	}
	if c.Whisper.Language == "" {
		c.Whisper.Language = "auto"
	}
	if c.YouTube.Format == "" {
		c.YouTube.Format = "bestaudio"
	}
	if c.VAD.Aggressiveness == 0 {
		c.VAD.Aggressiveness = 2
	}
	if c.VAD.FrameMs == 0 {
		c.VAD.FrameMs = 30
	}
	if c.VAD.FlushSilenceMs == 0 {
		c.VAD.FlushSilenceMs = 1500
	}
	if c.VAD.SoftLen == 0 {
		c.VAD.SoftLen = 120
	}
	if c.VAD.HardLen == 0 {
		c.VAD.HardLen = 400
	}
	if c.Store.Path == "" {
		c.Store.Path = "streamscribe.db"
	}
}
