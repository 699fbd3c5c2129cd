package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamscribe/streamscribe/internal/chat"
	"github.com/streamscribe/streamscribe/internal/errs"
	"github.com/streamscribe/streamscribe/internal/observe"
	"github.com/streamscribe/streamscribe/internal/resilience"
	"github.com/streamscribe/streamscribe/internal/sentence"
	"github.com/streamscribe/streamscribe/internal/transcribe"
	"github.com/streamscribe/streamscribe/internal/types"
	"github.com/streamscribe/streamscribe/internal/vad"
)

// MediaSource is the narrow surface StreamController depends on. [media.Source]
// satisfies this directly; tests substitute a fake.
type MediaSource interface {
	Open(ctx context.Context, url string, cookiesBlob []byte) (io.Reader, error)
	Close() error
}

// TranscriptionPool is the narrow surface StreamController depends on.
// [transcribe.Pool] satisfies this directly.
type TranscriptionPool interface {
	Submit(ctx context.Context, j transcribe.Job) (<-chan transcribe.JobResult, error)
}

const (
	// graceWindow is the default §4.10 STOPPING grace period: in-flight
	// transcriptions are awaited this long before being abandoned.
	graceWindow = 10 * time.Second

	// lingerWindow is how long a terminal Controller stays registered so a
	// late retry can find it.
	lingerWindow = 60 * time.Second

	// maxStallWindow bounds how long the producer blocks handing a segment
	// to the submitter stage before dropping the oldest pending one.
	maxStallWindow = 3 * time.Second

	maxConsecutiveTranscriptionFailures = 3
	maxMediaRestartsPerWindow           = 3
	mediaRestartWindow                  = 60 * time.Second
	maxSegmentDropsPerWindow            = 3
	segmentDropWindow                   = 60 * time.Second
)

// Deps bundles the shared, process-wide collaborators a Controller needs.
// Media and Chat are per-stream (media carries per-user cookies; chat is
// resolved per workspace); Pool and Metrics are shared across all streams.
type Deps struct {
	Media    MediaSource
	Pool     TranscriptionPool
	Chat     chat.Client
	VAD      vad.Config
	Sentence sentence.Config
	Cookies  []byte
	Metrics  *observe.Metrics
}

// Controller is StreamController: the per-stream state machine wiring
// MediaSource -> VADSegmenter -> TranscriptionWorkerPool -> SentenceAssembler
// -> ChatClient, per §4.10. One Controller is created per active stream and
// is not reused across retries — a retry constructs a new Controller with a
// freshly minted Stream.ID.
type Controller struct {
	deps Deps

	mu     sync.Mutex
	stream Stream

	cancel context.CancelFunc
	doneCh chan struct{}

	txBreaker     *resilience.CircuitBreaker
	mediaRestarts []time.Time
	segmentDrops  []time.Time
}

// New constructs a Controller for s. Call Run to drive it; Run blocks until
// the stream reaches a terminal state or ctx is cancelled.
func New(s Stream, deps Deps) *Controller {
	s.State = types.StreamPending
	s.StartedAt = timeNow()
	txBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "stream." + s.ID + ".transcription",
		MaxFailures: maxConsecutiveTranscriptionFailures,
	})
	return &Controller{deps: deps, stream: s, doneCh: make(chan struct{}), txBreaker: txBreaker}
}

// timeNow exists only so retry tests can be deterministic about ordering
// without depending on wall-clock granularity; production code always uses
// the real clock.
var timeNow = time.Now

// Snapshot returns a copy of the current Stream record, safe to read
// concurrently with Run.
func (c *Controller) Snapshot() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Done returns a channel closed once Run returns.
func (c *Controller) Done() <-chan struct{} { return c.doneCh }

// Stop signals STOPPING. Safe to call multiple times and concurrently with
// Run; a no-op once the stream is already terminal.
func (c *Controller) Stop() {
	c.mu.Lock()
	alreadyTerminal := c.stream.State == types.StreamStopped || c.stream.State == types.StreamFailed
	cancel := c.cancel
	c.mu.Unlock()
	if alreadyTerminal || cancel == nil {
		return
	}
	cancel()
}

// Run drives the stream from PENDING through to a terminal state. It opens
// the header thread (or, for a retry, joins the existing one), then runs
// the four pipeline stages — producer+VAD, submitter, assembler, poster —
// under a single errgroup so that any stage's fatal error cancels the
// others. Run returns only once every stage has exited and MediaSource has
// been closed.
func (c *Controller) Run(parent context.Context) error {
	defer close(c.doneCh)
	return c.runPipeline(parent)
}

// runPipeline is Run's body, factored out so a single deferred cleanup can
// cover every return path (header failure, media-open failure, or a full
// pipeline run) without racing Run's own doneCh close.
func (c *Controller) runPipeline(parent context.Context) error {
	pipelineCtx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	// A Stop() call (or parent cancellation) fires pipelineCtx.Done(); flip
	// the header to STOPPING immediately rather than waiting for every
	// stage to unwind first. Header edits use parent, since pipelineCtx is
	// cancelled by the time this fires.
	// posterCtx bounds the poster stage: it keeps draining sentCh on parent
	// (outliving pipelineCtx) until either the pipeline finishes naturally
	// or graceWindow elapses after a stop signal, per §4.10's STOPPING
	// grace period.
	posterCtx, posterCancel := context.WithCancel(parent)

	finished := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-pipelineCtx.Done():
			c.transitionStopping(parent)
			// Unblock the producer's in-flight read immediately; Close is
			// idempotent, so the deferred close after g.Wait is harmless.
			_ = c.deps.Media.Close()
			select {
			case <-time.After(graceWindow):
				posterCancel()
			case <-finished:
			}
		case <-finished:
		}
	}()
	defer func() {
		close(finished)
		cancel()
		posterCancel()
		<-watcherDone
	}()

	if err := c.openHeader(parent); err != nil {
		c.transitionFailed(parent, err)
		return err
	}

	reader, err := c.deps.Media.Open(pipelineCtx, c.stream.URL, c.deps.Cookies)
	if err != nil {
		var mediaErr *errs.MediaStartFailure
		if !errors.As(err, &mediaErr) {
			mediaErr = &errs.MediaStartFailure{Class: errs.MediaClassUnavailable, Err: err}
		}
		c.transitionFailed(parent, mediaErr)
		return mediaErr
	}

	c.transitionRunning(parent)

	segCh := make(chan types.Segment, 2)
	txCh := make(chan types.Transcription, 4)
	sentCh := make(chan types.Sentence, 4)

	g, gctx := errgroup.WithContext(pipelineCtx)
	g.Go(func() error { return c.runProducer(gctx, reader, segCh) })
	g.Go(func() error { return c.runSubmitter(gctx, segCh, txCh) })
	g.Go(func() error { return c.runAssembler(gctx, txCh, sentCh) })
	g.Go(func() error { return c.runPoster(posterCtx, sentCh) })

	runErr := g.Wait()
	_ = c.deps.Media.Close()

	if runErr != nil {
		c.transitionFailed(parent, runErr)
		return runErr
	}
	c.transitionStopped(parent)
	return nil
}

// openHeader posts the header block for a fresh start, or does nothing for
// a retry (which continues posting into its predecessor's thread; see
// stream.go's RetriedFromID and the chat package's Edit constraint, which
// only supports messages originally opened via OpenThread).
func (c *Controller) openHeader(ctx context.Context) error {
	c.mu.Lock()
	needsOpen := c.stream.ThreadID == ""
	channelID := c.stream.ChannelID
	header := chat.Header{Title: c.stream.URL, URL: c.stream.URL, Status: "⏳ starting"}
	c.mu.Unlock()

	if !needsOpen {
		return nil
	}

	threadID, msgID, err := c.deps.Chat.OpenThread(ctx, channelID, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stream.ThreadID = threadID
	c.stream.HeaderMsgID = msgID
	c.mu.Unlock()
	return nil
}

// editHeader applies a status update to the header, falling back to a
// plain thread message when there is no editable header (the retry case).
func (c *Controller) editHeader(ctx context.Context, status string) {
	c.mu.Lock()
	msgID := c.stream.HeaderMsgID
	threadID := c.stream.ThreadID
	title, url := c.stream.URL, c.stream.URL
	c.mu.Unlock()

	if msgID != "" {
		if err := c.deps.Chat.Edit(ctx, msgID, chat.Header{Title: title, URL: url, Status: status}); err != nil {
			slog.Warn("stream: header edit failed", "stream_id", c.stream.ID, "error", err)
		}
		return
	}
	if _, err := c.deps.Chat.PostInThread(ctx, threadID, status); err != nil {
		slog.Warn("stream: status post failed", "stream_id", c.stream.ID, "error", err)
	}
}

func (c *Controller) transitionRunning(ctx context.Context) {
	c.mu.Lock()
	c.stream.State = types.StreamRunning
	c.mu.Unlock()
	if c.deps.Metrics != nil {
		c.deps.Metrics.StreamsStarted.Add(ctx, 1)
		c.deps.Metrics.ActiveStreams.Add(ctx, 1)
	}
	c.editHeader(ctx, "▶️ running")
}

func (c *Controller) transitionStopping(ctx context.Context) {
	c.mu.Lock()
	alreadyStopping := c.stream.State == types.StreamStopping
	c.stream.State = types.StreamStopping
	c.mu.Unlock()
	if !alreadyStopping {
		c.editHeader(ctx, "⏸️ stopping")
	}
}

func (c *Controller) transitionStopped(ctx context.Context) {
	c.mu.Lock()
	wasActive := c.stream.State == types.StreamRunning || c.stream.State == types.StreamStopping || c.stream.State == types.StreamPending
	c.stream.State = types.StreamStopped
	c.mu.Unlock()
	if wasActive && c.deps.Metrics != nil {
		c.deps.Metrics.ActiveStreams.Add(ctx, -1)
	}
	c.editHeader(ctx, "⏸️ Stopped")
}

func (c *Controller) transitionFailed(ctx context.Context, cause error) {
	c.mu.Lock()
	wasActive := c.stream.State == types.StreamRunning || c.stream.State == types.StreamStopping
	c.stream.State = types.StreamFailed
	c.stream.LastError = cause.Error()
	c.mu.Unlock()
	if c.deps.Metrics != nil {
		c.deps.Metrics.StreamsFailed.Add(ctx, 1)
		if wasActive {
			c.deps.Metrics.ActiveStreams.Add(ctx, -1)
		}
	}
	c.editHeader(ctx, "❌ "+userFacingFailureMessage(cause))
}

// userFacingFailureMessage renders cause per §7's "user-facing message
// explaining remediation" requirement for MediaStartFailure.
func userFacingFailureMessage(cause error) string {
	var mediaErr *errs.MediaStartFailure
	if errors.As(cause, &mediaErr) {
		switch mediaErr.Class {
		case errs.MediaClassAuth:
			return "Cookie authentication failed. Re-upload cookies.txt and retry."
		case errs.MediaClassNotFound:
			return "Stream not found. Check the URL and retry."
		case errs.MediaClassNetwork:
			return "Network error reaching the stream. Retry in a moment."
		default:
			return "Stream unavailable. Retry in a moment."
		}
	}
	var postErr *errs.PostFailure
	if errors.As(cause, &postErr) {
		return "Lost connection to chat platform."
	}
	return "Stream failed: " + cause.Error()
}

// runProducer reads raw PCM from reader, feeds it through VADSegmenter, and
// forwards emitted segments on segCh, applying the §5 drop-oldest
// backpressure policy when the downstream stage stalls for longer than
// maxStallWindow.
func (c *Controller) runProducer(ctx context.Context, reader io.Reader, segCh chan types.Segment) error {
	defer close(segCh)

	cfg := c.deps.VAD
	cfg.SampleRate = pick(cfg.SampleRate, 16000)
	cfg.FrameMs = pick(cfg.FrameMs, 30)
	frameBytes := cfg.SampleRate / 1000 * cfg.FrameMs * 2 // 16-bit mono

	seg := vad.New(c.stream.ID, cfg)
	frame := make([]byte, frameBytes)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := io.ReadFull(reader, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return c.escalateMediaRestart(ctx, err)
		}

		segment, ok := seg.PushFrame(frame)
		if !ok {
			continue
		}
		segment.Language = c.stream.Language

		if !c.sendOrDrop(ctx, segCh, segment) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream: more than %d segments dropped within %v", maxSegmentDropsPerWindow, segmentDropWindow)
		}
	}
}

// sendOrDrop attempts to deliver segment on segCh within maxStallWindow. On
// timeout it drops the oldest queued segment to make room, per §5's
// "drop the oldest pending segment and record a degradation warning".
// Returns false if ctx is done, or once more than maxSegmentDropsPerWindow
// drops fall within segmentDropWindow; runProducer fails the stream in the
// latter case.
func (c *Controller) sendOrDrop(ctx context.Context, segCh chan types.Segment, segment types.Segment) bool {
	timer := time.NewTimer(maxStallWindow)
	defer timer.Stop()

	select {
	case segCh <- segment:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	select {
	case <-segCh:
	default:
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordSegmentDropped(ctx, c.stream.ID, "backpressure")
	}
	slog.Warn("stream: dropped oldest segment under backpressure", "stream_id", c.stream.ID, "seq", segment.Seq)

	if c.recordAndCheckWindow(&c.segmentDrops, segmentDropWindow, maxSegmentDropsPerWindow) {
		return false
	}

	select {
	case segCh <- segment:
	case <-ctx.Done():
		return false
	}
	return true
}

// escalateMediaRestart records a non-EOF read failure in the media-restart
// window. It returns a network-class [errs.MediaStartFailure] once more
// than maxMediaRestartsPerWindow failures fall within mediaRestartWindow,
// and a plain wrapped read error otherwise. runProducer returns either
// error, so any non-EOF read failure fails the stream; the media source is
// not reopened.
func (c *Controller) escalateMediaRestart(ctx context.Context, err error) error {
	if c.recordAndCheckWindow(&c.mediaRestarts, mediaRestartWindow, maxMediaRestartsPerWindow) {
		return &errs.MediaStartFailure{Class: errs.MediaClassNetwork, Err: err}
	}
	return fmt.Errorf("stream: media read error: %w", err)
}

// recordAndCheckWindow appends now to history (pruning entries older than
// window), and reports whether history now exceeds limit entries.
func (c *Controller) recordAndCheckWindow(history *[]time.Time, window time.Duration, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := timeNow()
	kept := (*history)[:0]
	for _, t := range *history {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	*history = kept
	return len(kept) > limit
}

// runSubmitter reads segments in order and submits each to the shared pool,
// awaiting its result before building the corresponding Transcription.
// TranscriptionWorkerPool already enforces FIFO dispatch per stream_id, so
// a single submitter is sufficient to preserve seq order; see the pool's
// queues field and the DESIGN.md ledger entry for this package.
func (c *Controller) runSubmitter(ctx context.Context, segCh <-chan types.Segment, txCh chan<- types.Transcription) error {
	defer close(txCh)

	for segment := range segCh {
		resultCh, err := c.deps.Pool.Submit(ctx, transcribe.Job{
			StreamID:     segment.StreamID,
			Seq:          segment.Seq,
			PCM:          segment.PCM,
			LanguageHint: segment.Language,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case res := <-resultCh:
			if res.Err != nil {
				if c.recordTxFailure(ctx, segment.Seq, res.Err) {
					return &errs.TranscriptionError{Seq: segment.Seq, Err: res.Err}
				}
				continue
			}
			c.resetTxFailures()
			select {
			case txCh <- types.Transcription{
				StreamID:         segment.StreamID,
				Seq:              segment.Seq,
				Text:             res.Result.Text,
				DetectedLanguage: res.Result.DetectedLanguage,
				SilenceBeforeMs:  segment.SilenceBeforeMs,
				StartMs:          segment.StartMs,
				EndMs:            segment.EndMs,
			}:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// recordTxFailure feeds err through the transcription circuit breaker and
// reports whether it has now tripped open (maxConsecutiveTranscriptionFailures
// in a row), at which point the stream fails outright instead of continuing
// to drop segments.
func (c *Controller) recordTxFailure(ctx context.Context, seq int, err error) bool {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordTranscriptionError(ctx, c.stream.ID)
	}
	slog.Warn("stream: transcription failed, dropping segment", "stream_id", c.stream.ID, "seq", seq, "error", err)
	c.txBreaker.Execute(func() error { return err })
	return c.txBreaker.State() == resilience.StateOpen
}

func (c *Controller) resetTxFailures() {
	c.txBreaker.Execute(func() error { return nil })
}

// runAssembler feeds each Transcription into a per-stream SentenceAssembler
// and forwards every emitted Sentence in order.
func (c *Controller) runAssembler(ctx context.Context, txCh <-chan types.Transcription, sentCh chan<- types.Sentence) error {
	defer close(sentCh)

	asm := sentence.New(c.stream.ID, c.deps.Sentence)
	for frag := range txCh {
		for _, s := range asm.Push(frag) {
			select {
			case sentCh <- s:
			case <-ctx.Done():
				return nil
			}
		}
	}
	// §4.10 STOPPING: "buffered sentence flushed if non-empty". sentCh is
	// drained by the poster stage, which outlives ctx until the grace
	// window elapses, so this send does not need a ctx guard.
	if s, ok := asm.Flush(); ok {
		sentCh <- s
	}
	return nil
}

// runPoster posts each Sentence into the stream's thread in order. It uses
// parentCtx rather than the errgroup's context so that a draining flush can
// still complete during STOPPING's grace window after a stop signal.
func (c *Controller) runPoster(parentCtx context.Context, sentCh <-chan types.Sentence) error {
	for s := range sentCh {
		start := time.Now()
		_, err := c.deps.Chat.PostInThread(parentCtx, c.stream.ThreadID, s.Text)
		if c.deps.Metrics != nil {
			c.deps.Metrics.PostDuration.Record(parentCtx, time.Since(start).Seconds())
		}
		if err != nil {
			var pf *errs.PostFailure
			if errors.As(err, &pf) && pf.Class == errs.PostClassPermanent {
				return pf
			}
			slog.Error("stream: sentence dropped after exhausting retries", "stream_id", c.stream.ID, "ord", s.Ord, "error", err)
			continue
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.SentencesPosted.Add(parentCtx, 1)
		}
	}
	return nil
}

func pick(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
