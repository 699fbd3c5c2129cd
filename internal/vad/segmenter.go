// Package vad implements voice-activity speech segmentation: it consumes a
// stream of fixed-size PCM frames and emits contiguous speech [types.Segment]
// values with exact millisecond boundaries.
//
// A Segmenter is stateful and single-owner: one Segmenter instance is created
// per active stream and fed frames from that stream's MediaSource in order.
// It is not safe for concurrent use by multiple goroutines.
package vad

import (
	"github.com/streamscribe/streamscribe/internal/types"
)

// Classifier labels a single fixed-size PCM frame as speech or silence. An
// energy-based classifier is the default implementation; [Config.Classifier]
// allows swapping in a model-backed one without changing Segmenter.
type Classifier interface {
	// IsSpeech reports whether frame contains speech, given the configured
	// aggressiveness. frame is exactly FrameMs worth of 16-bit little-endian
	// mono PCM at SampleRate.
	IsSpeech(frame []byte) bool
}

// Config holds Segmenter tuning parameters, matching §4.7's defaults.
type Config struct {
	// SampleRate in Hz. The reference pipeline uses 16000.
	SampleRate int

	// FrameMs is the fixed frame duration; one of 10, 20, or 30. Default 30.
	FrameMs int

	// Aggressiveness in [0,3], higher is stricter about classifying a frame
	// as speech. Values outside that range become 2; zero is kept.
	Aggressiveness int

	// PrePad is defaulted to 5 but Segmenter does not read it: any speech
	// frame outside an open segment starts a new segment, however little
	// silence preceded it.
	PrePad int

	// PostPad is the number of consecutive silent frames required to end an
	// open segment. Default 10.
	PostPad int

	// MinSegmentMs is the minimum emitted segment length; shorter isolated
	// bursts are dropped. Default 300.
	MinSegmentMs int64

	// MaxSegmentMs is the maximum segment length; at this cap the segment is
	// force-cut and the next begins immediately. Default 20000.
	MaxSegmentMs int64

	// Classifier labels frames as speech/silence. If nil, [NewEnergyClassifier]
	// with Aggressiveness is used.
	Classifier Classifier
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameMs <= 0 {
		c.FrameMs = 30
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		c.Aggressiveness = 2
	}
	if c.PrePad <= 0 {
		c.PrePad = 5
	}
	if c.PostPad <= 0 {
		c.PostPad = 10
	}
	if c.MinSegmentMs <= 0 {
		c.MinSegmentMs = 300
	}
	if c.MaxSegmentMs <= 0 {
		c.MaxSegmentMs = 20_000
	}
	if c.Classifier == nil {
		c.Classifier = NewEnergyClassifier(c.Aggressiveness)
	}
}

// Segmenter consumes PCM frames for a single stream and emits contiguous
// speech segments via PushFrame's return value.
type Segmenter struct {
	streamID string
	cfg      Config

	frameDurMs int64
	nextSeq    int
	clockMs    int64 // total audio time fed into PushFrame so far

	inSpeech   bool
	silentRun  int    // consecutive silent frames observed
	speechBuf  []byte // PCM accumulated for the currently open segment
	segStartMs int64

	// silenceBeforeMs accumulates silent-frame duration since the last
	// emitted segment, carried forward across dropped too-short bursts so
	// the next successfully emitted segment reports the true gap.
	silenceBeforeMs int64
}

// New creates a Segmenter for one stream. Zero-value Config fields receive
// the defaults documented on [Config].
func New(streamID string, cfg Config) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		streamID:   streamID,
		cfg:        cfg,
		frameDurMs: int64(cfg.FrameMs),
	}
}

// PushFrame feeds one PCM frame (exactly Config.FrameMs worth of audio) into
// the segmenter. It returns a [types.Segment] and true when this frame
// completes a segment.
func (s *Segmenter) PushFrame(frame []byte) (types.Segment, bool) {
	speech := s.cfg.Classifier.IsSpeech(frame)
	startMs := s.clockMs
	s.clockMs += s.frameDurMs

	if !s.inSpeech {
		if !speech {
			s.silentRun++
			s.silenceBeforeMs += s.frameDurMs
			return types.Segment{}, false
		}
		// A speech frame outside an open segment starts one; no minimum run
		// of preceding silent frames is required (PrePad is not consulted).
		s.inSpeech = true
		s.silentRun = 0
		s.segStartMs = startMs
		s.speechBuf = append(s.speechBuf[:0], frame...)
		return types.Segment{}, false
	}

	// Inside an open segment.
	s.speechBuf = append(s.speechBuf, frame...)
	if speech {
		s.silentRun = 0
	} else {
		s.silentRun++
	}

	endMs := startMs + s.frameDurMs
	segLenMs := endMs - s.segStartMs
	forceCut := segLenMs >= s.cfg.MaxSegmentMs
	postPadReached := s.silentRun >= s.cfg.PostPad

	if !forceCut && !postPadReached {
		return types.Segment{}, false
	}

	pcm := s.speechBuf
	if postPadReached && !forceCut {
		// Trim the trailing silent frames that triggered the boundary; they
		// are not speech and were only needed to detect post_pad.
		trimFrames := s.silentRun
		trimBytes := trimFrames * len(frame)
		if trimBytes < len(pcm) {
			pcm = pcm[:len(pcm)-trimBytes]
			endMs -= int64(trimFrames) * s.frameDurMs
		}
	}

	seg, emitted := s.emit(pcm, endMs)

	if forceCut {
		// The next segment begins immediately with no silence gap.
		s.inSpeech = true
		s.silentRun = 0
		s.segStartMs = endMs
		s.speechBuf = append([]byte(nil), s.speechBuf[len(pcm):]...)
	} else {
		// The trimmed post_pad frames are silence before the next segment.
		s.silenceBeforeMs += int64(s.silentRun) * s.frameDurMs
		s.inSpeech = false
		s.silentRun = 0
		s.speechBuf = nil
	}

	return seg, emitted
}

// emit applies the minimum-length rule and builds the emitted Segment,
// advancing the sequence counter only when something is actually emitted.
func (s *Segmenter) emit(pcm []byte, endMs int64) (types.Segment, bool) {
	if endMs-s.segStartMs < s.cfg.MinSegmentMs {
		// Isolated burst too short to stand alone; dropped per §4.7, but its
		// span still counts toward the silence reported before whatever
		// segment follows.
		s.silenceBeforeMs += endMs - s.segStartMs
		return types.Segment{}, false
	}

	seg := types.Segment{
		StreamID:        s.streamID,
		Seq:             s.nextSeq,
		StartMs:         s.segStartMs,
		EndMs:           endMs,
		PCM:             pcm,
		SilenceBeforeMs: s.silenceBeforeMs,
	}
	s.nextSeq++
	s.silenceBeforeMs = 0
	return seg, true
}

// Flush force-ends any open segment, applying the same minimum-length rule
// as a natural boundary. Call this when the underlying MediaSource ends or
// the stream is stopping.
func (s *Segmenter) Flush() (types.Segment, bool) {
	if !s.inSpeech || len(s.speechBuf) == 0 {
		s.inSpeech = false
		s.speechBuf = nil
		return types.Segment{}, false
	}
	pcm := s.speechBuf
	endMs := s.clockMs
	s.inSpeech = false
	s.silentRun = 0
	s.speechBuf = nil
	return s.emit(pcm, endMs)
}
