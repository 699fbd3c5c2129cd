// Package sentence implements SentenceAssembler: it consumes per-segment
// transcription fragments for one stream and emits user-visible Sentence
// values according to the terminator/length/silence flush rules of §4.9.
package sentence

import (
	"strings"
	"unicode"

	"github.com/streamscribe/streamscribe/internal/types"
)

// strongTerminators end a sentence outright once followed by whitespace or
// end-of-fragment.
var strongTerminators = map[rune]bool{
	'.': true, '?': true, '!': true,
	'。': true, '？': true, '！': true,
}

// softTerminators only flush once the buffer has also exceeded SoftLen.
var softTerminators = map[rune]bool{
	',': true, '、': true, ';': true, ':': true,
}

// Config holds Assembler tuning parameters, matching §4.9's defaults.
type Config struct {
	// SoftLen is the character-count threshold at which a soft terminator
	// is allowed to flush the buffer. Default 120.
	SoftLen int

	// HardLen is the character-count ceiling that forces a flush
	// regardless of punctuation. Default 400.
	HardLen int

	// FlushSilenceMs is the inter-fragment silence duration, as reported on
	// each [types.Transcription], above which the buffer is flushed ahead
	// of any punctuation rule. Default 1500.
	FlushSilenceMs int64
}

func (c *Config) applyDefaults() {
	if c.SoftLen <= 0 {
		c.SoftLen = 120
	}
	if c.HardLen <= 0 {
		c.HardLen = 400
	}
	if c.FlushSilenceMs <= 0 {
		c.FlushSilenceMs = 1500
	}
}

// Assembler maintains the rolling fragment buffer for one stream. It is not
// safe for concurrent use; one Assembler is owned by one StreamController.
type Assembler struct {
	streamID string
	cfg      Config

	buf        strings.Builder
	startMs    int64
	endMs      int64
	haveBounds bool
	nextOrd    int
}

// New creates an Assembler for one stream.
func New(streamID string, cfg Config) *Assembler {
	cfg.applyDefaults()
	return &Assembler{streamID: streamID, cfg: cfg}
}

// Push feeds one transcribed fragment into the buffer. It returns every
// [types.Sentence] the fragment causes to flush, in emission order — rule
// (3) (silence) can cause a flush of the buffer as it stood *before* this
// fragment is appended, followed immediately by evaluation of this
// fragment's own content, so more than one Sentence may be returned.
func (a *Assembler) Push(frag types.Transcription) []types.Sentence {
	var out []types.Sentence

	// Rule (3) takes priority over (1)/(2): silence reported ahead of this
	// fragment flushes whatever was already buffered first.
	if frag.SilenceBeforeMs >= a.cfg.FlushSilenceMs {
		if s, ok := a.flush(); ok {
			out = append(out, s)
		}
	}

	text := strings.TrimSpace(frag.Text)
	if text != "" {
		a.buf.WriteString(text)
		a.buf.WriteByte(' ')
		if !a.haveBounds {
			a.startMs = frag.StartMs
			a.haveBounds = true
		}
		a.endMs = frag.EndMs
	}

	for {
		s, ok := a.checkTerminatorRules()
		if !ok {
			break
		}
		out = append(out, s)
	}

	if len([]rune(a.buf.String())) >= a.cfg.HardLen {
		if s, ok := a.flush(); ok {
			out = append(out, s)
		}
	}

	return out
}

// checkTerminatorRules scans the buffer for a strong terminator followed by
// whitespace/end, or a soft terminator once SoftLen is exceeded, and flushes
// up to and including that point if found.
func (a *Assembler) checkTerminatorRules() (types.Sentence, bool) {
	content := a.buf.String()
	runes := []rune(content)

	for i, r := range runes {
		isLast := i == len(runes)-1
		followedByWhitespace := isLast || unicode.IsSpace(runes[i+1])

		if strongTerminators[r] && followedByWhitespace {
			return a.flushUpTo(i + 1)
		}
		if softTerminators[r] && len([]rune(strings.TrimRight(content[:byteIndex(runes, i+1)], " "))) >= a.cfg.SoftLen {
			return a.flushUpTo(i + 1)
		}
	}
	return types.Sentence{}, false
}

// flushUpTo splits the buffer at rune index cut (exclusive end), emits the
// left portion as a Sentence, and retains the remainder for the next Push.
func (a *Assembler) flushUpTo(cut int) (types.Sentence, bool) {
	runes := []rune(a.buf.String())
	head := strings.TrimSpace(string(runes[:cut]))
	rest := strings.TrimLeft(string(runes[cut:]), " ")

	a.buf.Reset()
	a.buf.WriteString(rest)

	if head == "" {
		return types.Sentence{}, false
	}

	s := types.Sentence{
		StreamID: a.streamID,
		Ord:      a.nextOrd,
		Text:     head,
		StartMs:  a.startMs,
		EndMs:    a.endMs,
	}
	a.nextOrd++
	a.haveBounds = rest != ""
	if !a.haveBounds {
		a.startMs, a.endMs = 0, 0
	}
	return s, true
}

// flush emits the entire buffer as a Sentence and clears it. Returns false
// if the buffer is empty (nothing to emit).
func (a *Assembler) flush() (types.Sentence, bool) {
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if text == "" {
		a.haveBounds = false
		return types.Sentence{}, false
	}
	s := types.Sentence{
		StreamID: a.streamID,
		Ord:      a.nextOrd,
		Text:     text,
		StartMs:  a.startMs,
		EndMs:    a.endMs,
	}
	a.nextOrd++
	a.haveBounds = false
	return s, true
}

// Flush force-emits any remaining buffered text. Call this when the stream
// is stopping (§4.10's "buffered sentence flushed if non-empty").
func (a *Assembler) Flush() (types.Sentence, bool) {
	return a.flush()
}

// byteIndex converts a rune index within runes into the corresponding byte
// offset of string(runes).
func byteIndex(runes []rune, n int) int {
	return len(string(runes[:n]))
}
