package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/streamscribe/streamscribe/internal/chat"
	"github.com/streamscribe/streamscribe/internal/errs"
	"github.com/streamscribe/streamscribe/internal/sentence"
	"github.com/streamscribe/streamscribe/internal/transcribe"
	"github.com/streamscribe/streamscribe/internal/types"
	"github.com/streamscribe/streamscribe/internal/vad"
)

// fixedClassifier reports a fixed sequence of speech/silence verdicts,
// cycling if more frames are pushed than entries provided. Mirrors
// internal/vad's own test double of the same name.
type fixedClassifier struct {
	pattern []bool
	i       int
}

func (f *fixedClassifier) IsSpeech(_ []byte) bool {
	v := f.pattern[f.i%len(f.pattern)]
	f.i++
	return v
}

func repeat(v bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// fakeMediaSource is backed by an io.Pipe: Open returns the read end,
// and Close closes the write end so any blocked Read unblocks with EOF.
// Idempotent, matching media.Source's documented Close contract.
type fakeMediaSource struct {
	mu      sync.Mutex
	pr      *io.PipeReader
	pw      *io.PipeWriter
	openErr error
	closed  bool
}

func newFakeMediaSource() *fakeMediaSource {
	pr, pw := io.Pipe()
	return &fakeMediaSource{pr: pr, pw: pw}
}

func (f *fakeMediaSource) Open(context.Context, string, []byte) (io.Reader, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.pr, nil
}

func (f *fakeMediaSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		_ = f.pw.Close()
	}
	return nil
}

// feed writes frames on the pipe from a background goroutine so it never
// blocks the caller on a reader that stops consuming.
func (f *fakeMediaSource) feed(frames ...[]byte) {
	go func() {
		for _, fr := range frames {
			if _, err := f.pw.Write(fr); err != nil {
				return
			}
		}
	}()
}

// fakePool echoes a fixed transcript for every submitted segment.
type fakePool struct {
	text string
	err  error
}

func (p *fakePool) Submit(ctx context.Context, j transcribe.Job) (<-chan transcribe.JobResult, error) {
	ch := make(chan transcribe.JobResult, 1)
	if p.err != nil {
		ch <- transcribe.JobResult{Err: p.err}
	} else {
		ch <- transcribe.JobResult{Result: transcribe.Result{Text: p.text}}
	}
	return ch, nil
}

// fakeChatClient records every call for assertions and is safe for
// concurrent use by the poster/header-edit paths.
type fakeChatClient struct {
	mu        sync.Mutex
	nextMsgID int
	posted    []string
	edits     []string
	openErr   error
	postErr   error
}

func (f *fakeChatClient) OpenThread(context.Context, string, chat.Header) (string, string, error) {
	if f.openErr != nil {
		return "", "", f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	return "thread-1", "header-msg-1", nil
}

func (f *fakeChatClient) PostInThread(ctx context.Context, threadID, text string) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, text)
	f.nextMsgID++
	return "msg", nil
}

func (f *fakeChatClient) Edit(ctx context.Context, msgID string, h chat.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, h.Status)
	return nil
}

func (f *fakeChatClient) ResolveChannel(context.Context, string) (string, error) { return "", nil }
func (f *fakeChatClient) Whoami(context.Context) (chat.Identity, error)          { return chat.Identity{}, nil }
func (f *fakeChatClient) Close() error                                           { return nil }

func (f *fakeChatClient) postedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posted...)
}

func (f *fakeChatClient) editStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func testFrame(n int) []byte { return make([]byte, n) }

// framesFor builds raw PCM covering len(pattern) frames of frameBytes each.
// fixedClassifier ignores frame content, so the bytes themselves are zero.
func framesFor(pattern []bool, frameBytes int) []byte {
	out := make([]byte, 0, len(pattern)*frameBytes)
	for range pattern {
		out = append(out, testFrame(frameBytes)...)
	}
	return out
}

func testDeps(media MediaSource, pool TranscriptionPool, cc chat.Client, classifier vad.Classifier) Deps {
	return Deps{
		Media: media,
		Pool:  pool,
		Chat:  cc,
		VAD: vad.Config{
			SampleRate:   16000,
			FrameMs:      30,
			PrePad:       5,
			PostPad:      10,
			MinSegmentMs: 300,
			MaxSegmentMs: 20_000,
			Classifier:   classifier,
		},
		Sentence: sentence.Config{},
	}
}

func TestController_HappyPathPostsOneSentenceAndStops(t *testing.T) {
	media := newFakeMediaSource()
	pool := &fakePool{text: "hello world."}
	cc := &fakeChatClient{}
	// 15 speech frames (450ms, above MinSegmentMs) then PostPad=10 silent
	// frames to close the segment, then sustained silence so the producer
	// just idles until the pipe is closed.
	pattern := append(repeat(true, 15), repeat(false, 20)...)
	classifier := &fixedClassifier{pattern: pattern}
	deps := testDeps(media, pool, cc, classifier)

	ctrl := New(Stream{ID: "s1", TeamID: "T1", UserID: "U1", URL: "http://example/u", ChannelID: "C1"}, deps)

	frameBytes := 16000 / 1000 * 30 * 2
	media.feed(framesFor(pattern, frameBytes))

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	// Give the pipeline time to emit the segment and post the sentence,
	// then close the source to end the run cleanly via EOF.
	time.Sleep(50 * time.Millisecond)
	media.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
	}

	if got := ctrl.Snapshot().State; got != types.StreamStopped {
		t.Errorf("final state = %v, want Stopped", got)
	}
	posted := cc.postedTexts()
	found := false
	for _, p := range posted {
		if p == "hello world." {
			found = true
		}
	}
	if !found {
		t.Errorf("posted = %v, want to contain %q", posted, "hello world.")
	}
}

func TestController_MediaOpenFailureTransitionsFailed(t *testing.T) {
	media := &fakeMediaSource{openErr: &errs.MediaStartFailure{Class: errs.MediaClassAuth, Err: errors.New("bad cookies")}}
	pool := &fakePool{text: "unused"}
	cc := &fakeChatClient{}
	deps := testDeps(media, pool, cc, &fixedClassifier{pattern: []bool{false}})

	ctrl := New(Stream{ID: "s2", TeamID: "T1", UserID: "U1", URL: "http://example/u", ChannelID: "C1"}, deps)

	err := ctrl.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return an error")
	}
	var mediaErr *errs.MediaStartFailure
	if !errors.As(err, &mediaErr) {
		t.Fatalf("error = %v, want *errs.MediaStartFailure", err)
	}
	if got := ctrl.Snapshot().State; got != types.StreamFailed {
		t.Errorf("final state = %v, want Failed", got)
	}
	edits := cc.editStatuses()
	if len(edits) == 0 {
		t.Fatal("expected at least one header edit")
	}
	last := edits[len(edits)-1]
	if last == "" {
		t.Error("final edit status is empty")
	}
}

func TestController_StopUnblocksBlockedProducer(t *testing.T) {
	media := newFakeMediaSource() // never fed; Open's reader blocks forever
	pool := &fakePool{text: "unused"}
	cc := &fakeChatClient{}
	deps := testDeps(media, pool, cc, &fixedClassifier{pattern: []bool{false}})

	ctrl := New(Stream{ID: "s3", TeamID: "T1", UserID: "U1", URL: "http://example/u", ChannelID: "C1"}, deps)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	// Let Run reach the blocked read, then stop it. The watcher goroutine
	// closes MediaSource immediately on stop, which should unblock the
	// pipe read well before the 10s grace window elapses.
	time.Sleep(20 * time.Millisecond)
	ctrl.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	state := ctrl.Snapshot().State
	if state != types.StreamStopped && state != types.StreamFailed {
		t.Errorf("final state = %v, want a terminal state", state)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	media := newFakeMediaSource()
	pool := &fakePool{text: "unused"}
	cc := &fakeChatClient{}
	deps := testDeps(media, pool, cc, &fixedClassifier{pattern: []bool{false}})
	ctrl := New(Stream{ID: "s4", TeamID: "T1", UserID: "U1", URL: "http://example/u", ChannelID: "C1"}, deps)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	ctrl.Stop()
	ctrl.Stop()
	ctrl.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after repeated Stop")
	}
}
