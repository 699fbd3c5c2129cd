// Package media implements MediaSource: a one-shot, forward-only PCM audio
// reader backed by a yt-dlp+ffmpeg child-process pipeline. yt-dlp resolves
// the playable URL for the given page URL; ffmpeg decodes it to raw 16-bit
// little-endian mono PCM on stdout.
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/streamscribe/streamscribe/internal/errs"
)

// SampleRate is the fixed PCM sample rate produced by every Source. The
// reference pipeline uses 16 kHz throughout (VAD, whisper.cpp).
const SampleRate = 16000

// closeDeadline bounds how long Close waits for the child processes to
// exit on their own before killing them, per MediaSource's contract.
const closeDeadline = 2 * time.Second

// Config configures a Source.
type Config struct {
	// Format is the yt-dlp format selector, e.g. "bestaudio".
	Format string

	// DownloadDir is passed to yt-dlp/ffmpeg as their working directory.
	// Optional; defaults to the process working directory.
	DownloadDir string

	// YtdlpPath and FfmpegPath override the executable names looked up on
	// PATH. Tests substitute stub scripts here.
	YtdlpPath  string
	FfmpegPath string
}

func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = "bestaudio"
	}
	if c.YtdlpPath == "" {
		c.YtdlpPath = "yt-dlp"
	}
	if c.FfmpegPath == "" {
		c.FfmpegPath = "ffmpeg"
	}
}

// Source is a one-shot MediaSource: Open starts the child-process pipeline
// and returns once the ffmpeg decode process has started (or a classified
// start failure); it does not wait for the first PCM bytes. Read then yields raw PCM until the stream ends or Close
// is called. Not safe for concurrent Open/Close/Read from multiple
// goroutines simultaneously, beyond Close racing a blocked Read.
type Source struct {
	cfg Config

	mu        sync.Mutex
	ffmpegCmd *exec.Cmd
	stdout    io.ReadCloser
	closed    bool
}

// New creates a Source with the given configuration.
func New(cfg Config) *Source {
	cfg.applyDefaults()
	return &Source{cfg: cfg}
}

// Open resolves url to a playable stream URL via yt-dlp and starts an
// ffmpeg decode pipeline producing 16-bit little-endian mono PCM at
// [SampleRate] on its stdout. cookiesBlob, when non-nil, is written to a
// temp file and passed to yt-dlp as --cookies; the core never parses its
// contents beyond what the caller already validated.
//
// Open blocks until ffmpeg has started successfully. A failure to resolve
// or start the pipeline returns a classified [errs.MediaStartFailure].
func (s *Source) Open(ctx context.Context, url string, cookiesBlob []byte) (io.Reader, error) {
	actualURL, err := s.resolveStreamURL(ctx, url, cookiesBlob)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-y",
		"-i", actualURL,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-ac", "1",
		"-loglevel", "error",
		"-avoid_negative_ts", "make_zero",
		"-f", "s16le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, s.cfg.FfmpegPath, args...)
	cmd.Dir = s.cfg.DownloadDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &errs.MediaStartFailure{Class: errs.MediaClassUnavailable, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &errs.MediaStartFailure{Class: errs.MediaClassUnavailable, Err: err}
	}

	s.mu.Lock()
	s.ffmpegCmd = cmd
	s.stdout = stdout
	s.mu.Unlock()

	return bufio.NewReaderSize(stdout, 32*1024), nil
}

// resolveStreamURL shells out to yt-dlp -g to obtain the direct media URL
// ffmpeg can decode, classifying failures per §4.6.
func (s *Source) resolveStreamURL(ctx context.Context, url string, cookiesBlob []byte) (string, error) {
	args := []string{"-g", "-f", s.cfg.Format}

	var cookiesPath string
	if len(cookiesBlob) > 0 {
		f, err := os.CreateTemp("", "streamscribe-cookies-*.txt")
		if err != nil {
			return "", &errs.MediaStartFailure{Class: errs.MediaClassUnavailable, Err: err}
		}
		cookiesPath = f.Name()
		defer os.Remove(cookiesPath)
		if _, err := f.Write(cookiesBlob); err != nil {
			f.Close()
			return "", &errs.MediaStartFailure{Class: errs.MediaClassUnavailable, Err: err}
		}
		f.Close()
		args = append(args, "--cookies", cookiesPath)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, s.cfg.YtdlpPath, args...)
	cmd.Dir = s.cfg.DownloadDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &errs.MediaStartFailure{Class: classifyYtdlpFailure(stderr.String()), Err: err}
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", &errs.MediaStartFailure{
			Class: errs.MediaClassUnavailable,
			Err:   fmt.Errorf("yt-dlp returned no playable URL for %s", url),
		}
	}
	return lines[0], nil
}

// classifyYtdlpFailure inspects yt-dlp's stderr for known failure shapes
// and maps them to a [errs.MediaClass]. yt-dlp's message wording is not a
// stable API; this is a best-effort classification, defaulting to
// "unavailable" when nothing more specific matches.
func classifyYtdlpFailure(stderr string) errs.MediaClass {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "sign in") || strings.Contains(lower, "cookies") || strings.Contains(lower, "private video"):
		return errs.MediaClassAuth
	case strings.Contains(lower, "video unavailable") || strings.Contains(lower, "404") || strings.Contains(lower, "does not exist"):
		return errs.MediaClassNotFound
	case strings.Contains(lower, "network") || strings.Contains(lower, "timed out") || strings.Contains(lower, "connection"):
		return errs.MediaClassNetwork
	default:
		return errs.MediaClassUnavailable
	}
}

// Close terminates the ffmpeg child process, if any, within closeDeadline;
// a process that has not exited by then is killed. Idempotent: calling
// Close more than once, or before Open, is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.ffmpegCmd
	stdout := s.stdout
	s.mu.Unlock()

	if stdout != nil {
		_ = stdout.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(closeDeadline):
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}
