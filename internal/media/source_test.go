package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/streamscribe/streamscribe/internal/errs"
)

// writeStub writes an executable shell script to dir/name and returns its
// path. Tests substitute these for the real yt-dlp/ffmpeg binaries.
func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writeStub: %v", err)
	}
	return path
}

func TestOpen_ResolvesURLAndStreamsPCM(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeStub(t, dir, "ytdlp-stub.sh", `echo "https://resolved.example/media.m3u8"`)
	ffmpeg := writeStub(t, dir, "ffmpeg-stub.sh", `printf '\001\002\003\004'`)

	s := New(Config{YtdlpPath: ytdlp, FfmpegPath: ffmpeg})
	r, err := s.Open(context.Background(), "https://youtube.example/watch?v=abc", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	if string(got) != string(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOpen_ClassifiesAuthFailure(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeStub(t, dir, "ytdlp-stub.sh", `echo "ERROR: Sign in to confirm you are not a bot" >&2; exit 1`)

	s := New(Config{YtdlpPath: ytdlp, FfmpegPath: "unused"})
	_, err := s.Open(context.Background(), "https://youtube.example/watch?v=abc", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var msf *errs.MediaStartFailure
	if !errors.As(err, &msf) {
		t.Fatalf("error is not a MediaStartFailure: %v", err)
	}
	if msf.Class != errs.MediaClassAuth {
		t.Errorf("Class = %q, want %q", msf.Class, errs.MediaClassAuth)
	}
}

func TestOpen_ClassifiesNotFoundFailure(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeStub(t, dir, "ytdlp-stub.sh", `echo "ERROR: [youtube] abc: Video unavailable" >&2; exit 1`)

	s := New(Config{YtdlpPath: ytdlp, FfmpegPath: "unused"})
	_, err := s.Open(context.Background(), "https://youtube.example/watch?v=abc", nil)
	var msf *errs.MediaStartFailure
	if !errors.As(err, &msf) {
		t.Fatalf("error is not a MediaStartFailure: %v", err)
	}
	if msf.Class != errs.MediaClassNotFound {
		t.Errorf("Class = %q, want %q", msf.Class, errs.MediaClassNotFound)
	}
}

func TestOpen_NoOutputIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeStub(t, dir, "ytdlp-stub.sh", `true`)

	s := New(Config{YtdlpPath: ytdlp, FfmpegPath: "unused"})
	_, err := s.Open(context.Background(), "https://youtube.example/watch?v=abc", nil)
	var msf *errs.MediaStartFailure
	if !errors.As(err, &msf) {
		t.Fatalf("error is not a MediaStartFailure: %v", err)
	}
	if msf.Class != errs.MediaClassUnavailable {
		t.Errorf("Class = %q, want %q", msf.Class, errs.MediaClassUnavailable)
	}
}

func TestClose_IdempotentWithoutOpen(t *testing.T) {
	s := New(Config{})
	if err := s.Close(); err != nil {
		t.Errorf("Close before Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_TerminatesLongRunningFfmpeg(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeStub(t, dir, "ytdlp-stub.sh", `echo "https://resolved.example/media.m3u8"`)
	ffmpeg := writeStub(t, dir, "ffmpeg-stub.sh", `trap '' TERM; sleep 30`)

	s := New(Config{YtdlpPath: ytdlp, FfmpegPath: ffmpeg})
	_, err := s.Open(context.Background(), "https://youtube.example/watch?v=abc", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpen_PassesCookiesFile(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "saw-cookies")
	ytdlp := writeStub(t, dir, "ytdlp-stub.sh", `
for arg in "$@"; do
  if [ "$prev" = "--cookies" ]; then
    cp "$arg" `+marker+`
  fi
  prev="$arg"
done
echo "https://resolved.example/media.m3u8"
`)
	ffmpeg := writeStub(t, dir, "ffmpeg-stub.sh", `true`)

	s := New(Config{YtdlpPath: ytdlp, FfmpegPath: ffmpeg})
	_, err := s.Open(context.Background(), "https://youtube.example/watch?v=abc", []byte("# Netscape HTTP Cookie File\n.youtube.com\tTRUE\t/\tFALSE\t0\tSID\tabc\n"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("cookies file was not passed to yt-dlp: %v", err)
	}
	if string(got) == "" {
		t.Error("cookies file was empty")
	}
}
