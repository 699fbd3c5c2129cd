package config_test

import (
	"strings"
	"testing"

	"github.com/streamscribe/streamscribe/internal/config"
)

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := "log:\n  level: verbose\nvad:\n  frame_ms: 15\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log.level") {
		t.Errorf("error should mention log.level, got: %v", err)
	}
	if !strings.Contains(errStr, "vad.frame_ms") {
		t.Errorf("error should mention vad.frame_ms, got: %v", err)
	}
	// whisper.model is also missing; expect three joined errors.
	if !strings.Contains(errStr, "whisper.model") {
		t.Errorf("error should mention whisper.model, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/streamscribe.yaml")
	if err == nil {
		t.Fatal("expected error opening missing file, got nil")
	}
}
