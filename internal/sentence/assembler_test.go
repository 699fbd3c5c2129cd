package sentence

import (
	"strings"
	"testing"

	"github.com/streamscribe/streamscribe/internal/types"
)

func frag(text string, startMs, endMs, silenceBeforeMs int64) types.Transcription {
	return types.Transcription{
		Text:            text,
		StartMs:         startMs,
		EndMs:           endMs,
		SilenceBeforeMs: silenceBeforeMs,
	}
}

func TestAssembler_FlushesOnStrongTerminator(t *testing.T) {
	a := New("s1", Config{})
	out := a.Push(frag("hello there.", 0, 500, 0))
	if len(out) != 1 {
		t.Fatalf("got %d sentences, want 1", len(out))
	}
	if out[0].Text != "hello there." {
		t.Errorf("Text = %q, want %q", out[0].Text, "hello there.")
	}
	if out[0].Ord != 0 {
		t.Errorf("Ord = %d, want 0", out[0].Ord)
	}
}

func TestAssembler_DoesNotFlushOnMidWordPeriod(t *testing.T) {
	a := New("s1", Config{})
	out := a.Push(frag("www.example.com is a site", 0, 500, 0))
	// Periods not followed by whitespace should not trigger a flush; only
	// the very last token ends with whitespace/EOF after "site" with no
	// terminator at all, so nothing should flush yet.
	if len(out) != 0 {
		t.Fatalf("got %d sentences, want 0, out=%v", len(out), out)
	}
}

func TestAssembler_SoftTerminatorFlushesOnlyPastSoftLen(t *testing.T) {
	a := New("s1", Config{SoftLen: 10})
	short := a.Push(frag("hi,", 0, 100, 0))
	if len(short) != 0 {
		t.Fatalf("short buffer with soft terminator should not flush, got %v", short)
	}
	long := a.Push(frag(" this is long enough now,", 100, 300, 0))
	if len(long) != 1 {
		t.Fatalf("got %d sentences, want 1 once SoftLen exceeded", len(long))
	}
}

func TestAssembler_FlushesOnSilence(t *testing.T) {
	a := New("s1", Config{FlushSilenceMs: 1000})
	a.Push(frag("partial fragment without terminator", 0, 500, 0))
	out := a.Push(frag("next fragment", 2000, 2500, 1500))
	if len(out) != 1 {
		t.Fatalf("got %d sentences, want 1 from silence flush", len(out))
	}
	if out[0].Text != "partial fragment without terminator" {
		t.Errorf("Text = %q", out[0].Text)
	}
}

func TestAssembler_FlushesOnHardLen(t *testing.T) {
	a := New("s1", Config{HardLen: 20})
	out := a.Push(frag(strings.Repeat("a", 25), 0, 500, 0))
	if len(out) != 1 {
		t.Fatalf("got %d sentences, want 1 from hard-length flush", len(out))
	}
}

func TestAssembler_OrdIncreasesMonotonically(t *testing.T) {
	a := New("s1", Config{})
	var ords []int
	for i := 0; i < 3; i++ {
		out := a.Push(frag("sentence.", int64(i*100), int64(i*100+50), 0))
		for _, s := range out {
			ords = append(ords, s.Ord)
		}
	}
	for i, ord := range ords {
		if ord != i {
			t.Errorf("ords[%d] = %d, want %d", i, ord, i)
		}
	}
}

func TestAssembler_FlushEmitsRemainder(t *testing.T) {
	a := New("s1", Config{})
	a.Push(frag("trailing fragment without terminator", 0, 500, 0))
	s, ok := a.Flush()
	if !ok {
		t.Fatal("expected Flush to emit the remaining buffer")
	}
	if s.Text != "trailing fragment without terminator" {
		t.Errorf("Text = %q", s.Text)
	}
}

func TestAssembler_FlushOnEmptyBufferReturnsFalse(t *testing.T) {
	a := New("s1", Config{})
	if _, ok := a.Flush(); ok {
		t.Error("expected Flush on empty buffer to return false")
	}
}

func TestAssembler_PreservesBoundsAcrossFragments(t *testing.T) {
	a := New("s1", Config{})
	a.Push(frag("first", 100, 200, 0))
	out := a.Push(frag("second.", 300, 400, 0))
	if len(out) != 1 {
		t.Fatalf("got %d sentences, want 1", len(out))
	}
	if out[0].StartMs != 100 {
		t.Errorf("StartMs = %d, want 100", out[0].StartMs)
	}
	if out[0].EndMs != 400 {
		t.Errorf("EndMs = %d, want 400", out[0].EndMs)
	}
}

func TestAssembler_MultibyteTerminators(t *testing.T) {
	a := New("s1", Config{})
	out := a.Push(frag("こんにちは。", 0, 200, 0))
	if len(out) != 1 {
		t.Fatalf("got %d sentences, want 1 for full-width terminator", len(out))
	}
	if out[0].Text != "こんにちは。" {
		t.Errorf("Text = %q", out[0].Text)
	}
}
