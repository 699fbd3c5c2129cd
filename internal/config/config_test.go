package config_test

import (
	"strings"
	"testing"

	"github.com/streamscribe/streamscribe/internal/config"
)

const sampleYAML = `
log:
  level: info
  format: text

http:
  addr: ":9090"

whisper:
  model: /models/ggml-base.bin
  device: cpu
  language: ja

youtube:
  download_dir: /tmp/streamscribe
  format: bestaudio
  keep_video: false

discord:
  include_timestamps: true

vad:
  aggressiveness: 2
  frame_ms: 30
  flush_silence_ms: 1500
  soft_len: 120
  hard_len: 400

store:
  db_path: /var/lib/streamscribe/streamscribe.db
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http.addr: got %q, want %q", cfg.HTTP.Addr, ":9090")
	}
	if cfg.Whisper.Model != "/models/ggml-base.bin" {
		t.Errorf("whisper.model: got %q", cfg.Whisper.Model)
	}
	if cfg.Whisper.Language != "ja" {
		t.Errorf("whisper.language: got %q, want ja", cfg.Whisper.Language)
	}
	if cfg.VAD.Aggressiveness != 2 {
		t.Errorf("vad.aggressiveness: got %d, want 2", cfg.VAD.Aggressiveness)
	}
	if cfg.Store.Path != "/var/lib/streamscribe/streamscribe.db" {
		t.Errorf("store.db_path: got %q", cfg.Store.Path)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("whisper:\n  model: /m.bin\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != config.LogInfo {
		t.Errorf("log.level default: got %q, want info", cfg.Log.Level)
	}
	if cfg.VAD.FrameMs != 30 {
		t.Errorf("vad.frame_ms default: got %d, want 30", cfg.VAD.FrameMs)
	}
	if cfg.VAD.FlushSilenceMs != 1500 {
		t.Errorf("vad.flush_silence_ms default: got %d, want 1500", cfg.VAD.FlushSilenceMs)
	}
	if cfg.Store.Path != "streamscribe.db" {
		t.Errorf("store.db_path default: got %q, want streamscribe.db", cfg.Store.Path)
	}
}

func TestLoadFromReader_MissingModelIsError(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error when whisper.model is missing")
	}
	if !strings.Contains(err.Error(), "whisper.model") {
		t.Errorf("error should mention whisper.model, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := "whisper:\n  model: /m.bin\nlog:\n  level: verbose\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log.level, got nil")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error should mention log.level, got: %v", err)
	}
}

func TestValidate_InvalidFrameMs(t *testing.T) {
	yaml := "whisper:\n  model: /m.bin\nvad:\n  frame_ms: 25\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid vad.frame_ms, got nil")
	}
}

func TestValidate_SoftLenMustBeLessThanHardLen(t *testing.T) {
	yaml := "whisper:\n  model: /m.bin\nvad:\n  soft_len: 500\n  hard_len: 400\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error when soft_len >= hard_len, got nil")
	}
}

func TestValidate_UnknownTopLevelKeyPreserved(t *testing.T) {
	yaml := "whisper:\n  model: /m.bin\nsome_future_section:\n  x: 1\n"
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error for unknown top-level key: %v", err)
	}
	if _, ok := cfg.Unknown["some_future_section"]; !ok {
		t.Errorf("expected unknown section to be preserved, got %v", cfg.Unknown)
	}
}
