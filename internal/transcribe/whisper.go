// This file implements Transcriber using the whisper.cpp CGO bindings. The
// whisper.cpp static library and headers must be available at link time.
package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that WhisperTranscriber satisfies Transcriber.
var _ Transcriber = (*WhisperTranscriber)(nil)

// Device selects where whisper.cpp runs inference.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// WhisperTranscriber runs local batch inference via whisper.cpp. The model
// is loaded once at construction and shared across all calls; each call to
// Transcribe creates its own whisper.cpp context, since contexts are not
// safe for concurrent use but the underlying model is.
type WhisperTranscriber struct {
	mu       sync.Mutex // serializes context creation; whisper.cpp model access itself is not guaranteed thread-safe across concurrent NewContext calls
	model    whisperlib.Model
	language string
	device   Device
}

// Option configures a WhisperTranscriber at construction time.
type Option func(*WhisperTranscriber)

// WithDevice records which compute device the caller configured
// whisper.cpp to run on. It has no effect on the model itself — GPU/CPU
// selection happens at whisper.cpp build time, and worker pool sizing is
// decided from the configuration, not from this value — but it is reported
// by Device() and surfaced in startup logs so an operator can confirm the
// configured device actually matches the binary's build.
func WithDevice(d Device) Option {
	return func(w *WhisperTranscriber) { w.device = d }
}

// NewWhisperTranscriber loads the whisper.cpp model at modelPath.
// defaultLanguage is used when a call to Transcribe supplies no language
// hint; an empty defaultLanguage lets whisper.cpp auto-detect.
func NewWhisperTranscriber(modelPath string, defaultLanguage string, opts ...Option) (*WhisperTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("transcribe: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load model %q: %w", modelPath, err)
	}
	w := &WhisperTranscriber{model: model, language: defaultLanguage, device: DeviceCPU}
	for _, opt := range opts {
		opt(w)
	}
	slog.Info("transcribe: model loaded", "path", modelPath, "device", w.device)
	return w, nil
}

// Device reports the compute device this transcriber was configured for.
func (w *WhisperTranscriber) Device() Device { return w.device }

// Close releases the loaded model. Must be called when the transcriber is no
// longer needed.
func (w *WhisperTranscriber) Close() error {
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference on pcm and returns the concatenated
// segment text.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte, languageHint string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("transcribe: context already cancelled: %w", err)
	}

	lang := languageHint
	if lang == "" {
		lang = w.language
	}

	w.mu.Lock()
	wctx, err := w.model.NewContext()
	w.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: create context: %w", err)
	}

	if lang != "" && lang != "auto" {
		if err := wctx.SetLanguage(lang); err != nil {
			slog.Warn("transcribe: failed to set language, using auto-detect", "language", lang, "error", err)
		}
	}

	samples := pcmToFloat32Mono(pcm)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("transcribe: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	detected := lang
	if detected == "" {
		detected = "auto"
	}
	return Result{Text: strings.Join(parts, " "), DetectedLanguage: detected}, nil
}

// pcmToFloat32Mono converts 16-bit signed little-endian mono PCM to float32
// samples normalised to [-1.0, 1.0], as required by whisper.cpp's Process.
func pcmToFloat32Mono(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
