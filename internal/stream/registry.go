package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamscribe/streamscribe/internal/chat"
	"github.com/streamscribe/streamscribe/internal/errs"
	"github.com/streamscribe/streamscribe/internal/types"
)

// userKey identifies the at-most-one-per-user slot.
type userKey struct {
	teamID string
	userID string
}

// StartRequest carries everything Registry.Start needs to build a fresh
// Stream. Deps supplies the per-stream collaborators (MediaSource,
// ChatClient, cookies); Pool, VAD and Sentence config are shared.
type StartRequest struct {
	TeamID    string
	UserID    string
	ChannelID string
	URL       string
	Language  string
	Deps      Deps
}

// Registry is StreamRegistry: the process-wide index of active
// Controllers, keyed by thread and by user for at-most-one-per-user
// enforcement, per §4.11.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller // stream_id -> Controller
	byThread    map[string]string      // thread_id -> most recent stream_id in that thread
	byUser      map[userKey]string     // (team_id,user_id) -> most recent stream_id for that user

	// userLocks is the "small keyed mutex map" from §9: held for the
	// window between a start/retry's occupancy check and Controller
	// construction, so two concurrent start commands from the same user
	// cannot both pass the check.
	userLocks map[userKey]*sync.Mutex
	locksMu   sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		byThread:    make(map[string]string),
		byUser:      make(map[userKey]string),
		userLocks:   make(map[userKey]*sync.Mutex),
	}
}

// userLock returns the keyed mutex for k, creating it on first use. The map
// entry itself is never removed: §9 only requires the *occupancy* (byUser)
// entry to clear at linger expiry, not the lock, which is cheap to keep.
func (r *Registry) userLock(k userKey) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.userLocks[k]
	if !ok {
		l = &sync.Mutex{}
		r.userLocks[k] = l
	}
	return l
}

// Start constructs a Controller for req and launches it, enforcing the
// at-most-one-per-user invariant. Returns [errs.IntegrityError] if req's
// user already has a non-terminal stream.
func (r *Registry) Start(ctx context.Context, req StartRequest) (*Controller, error) {
	key := userKey{teamID: req.TeamID, userID: req.UserID}
	lock := r.userLock(key)
	lock.Lock()
	defer lock.Unlock()

	if active := r.activeControllerForUser(key); active != nil {
		return nil, &errs.IntegrityError{Message: "you already have an active stream"}
	}

	s := Stream{
		ID:        deterministicID(req.TeamID, req.UserID, req.ChannelID),
		TeamID:    req.TeamID,
		UserID:    req.UserID,
		URL:       req.URL,
		ChannelID: req.ChannelID,
		Language:  req.Language,
	}
	ctrl := New(s, req.Deps)
	r.register(key, ctrl)
	r.launch(ctx, ctrl)
	return ctrl, nil
}

// Retry re-creates a Controller for the STOPPED/FAILED stream occupying
// threadID, per §4.10's retry semantics: same url/team_id/user_id/thread_id,
// a freshly minted stream_id, and the old header edited with a forward
// link. Returns [errs.CommandError] if threadID has no stream or its
// stream is not yet terminal.
func (r *Registry) Retry(ctx context.Context, threadID string, deps Deps) (*Controller, error) {
	old := r.byThreadID(threadID)
	if old == nil {
		return nil, &errs.CommandError{Message: "no stream found in this thread"}
	}
	oldSnap := old.Snapshot()
	if oldSnap.State != types.StreamStopped && oldSnap.State != types.StreamFailed {
		return nil, &errs.CommandError{Message: "stream is still active; stop it before retrying"}
	}

	key := userKey{teamID: oldSnap.TeamID, userID: oldSnap.UserID}
	lock := r.userLock(key)
	lock.Lock()
	defer lock.Unlock()

	if active := r.activeControllerForUser(key); active != nil {
		return nil, &errs.IntegrityError{Message: "you already have an active stream"}
	}

	s := Stream{
		ID:            retryID(),
		TeamID:        oldSnap.TeamID,
		UserID:        oldSnap.UserID,
		URL:           oldSnap.URL,
		ThreadID:      oldSnap.ThreadID,
		Language:      oldSnap.Language,
		RetriedFromID: oldSnap.ID,
	}
	ctrl := New(s, deps)
	r.register(key, ctrl)
	r.launch(ctx, ctrl)

	r.markRetried(ctx, old, s.ID)
	return ctrl, nil
}

// markRetried edits old's header with a forward link, per §4.10. A no-op
// if old never had an editable header (it was itself created by a retry).
func (r *Registry) markRetried(ctx context.Context, old *Controller, newID string) {
	snap := old.Snapshot()
	if snap.HeaderMsgID == "" {
		return
	}
	header := chat.Header{
		Title:  snap.URL,
		URL:    snap.URL,
		Status: "↻ retried, see new stream " + newID,
	}
	if err := old.deps.Chat.Edit(ctx, snap.HeaderMsgID, header); err != nil {
		slog.Warn("stream: failed to mark old header as retried", "stream_id", snap.ID, "error", err)
	}
}

// Stop signals STOPPING for the active stream in threadID; when no stream
// is registered for that thread, threadID is looked up as a stream_id.
// Returns [errs.CommandError] if no stream is found.
func (r *Registry) Stop(threadID string) error {
	ctrl := r.byThreadID(threadID)
	if ctrl == nil {
		r.mu.Lock()
		ctrl = r.controllers[threadID]
		r.mu.Unlock()
	}
	if ctrl == nil {
		return &errs.CommandError{Message: "no stream found in this thread"}
	}
	ctrl.Stop()
	return nil
}

// register records ctrl under its stream/user/thread keys. Called with the
// relevant userLock held.
func (r *Registry) register(key userKey, ctrl *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := ctrl.Snapshot()
	r.controllers[s.ID] = ctrl
	r.byUser[key] = s.ID
	if s.ThreadID != "" {
		r.byThread[s.ThreadID] = s.ID
	}
}

// launch starts ctrl.Run in the background and schedules linger cleanup
// once it reaches a terminal state.
func (r *Registry) launch(ctx context.Context, ctrl *Controller) {
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			slog.Warn("stream: run exited with error", "stream_id", ctrl.Snapshot().ID, "error", err)
		}
		r.onTerminal(ctrl)
	}()
}

// onTerminal re-indexes ctrl under its now-known thread_id (a fresh start
// only learns ThreadID once OpenThread returns, inside Run) and schedules
// its removal from the registry after lingerWindow.
func (r *Registry) onTerminal(ctrl *Controller) {
	s := ctrl.Snapshot()
	r.mu.Lock()
	if s.ThreadID != "" {
		r.byThread[s.ThreadID] = s.ID
	}
	r.mu.Unlock()

	time.AfterFunc(lingerWindow, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.controllers[s.ID] == ctrl {
			delete(r.controllers, s.ID)
		}
		if r.byThread[s.ThreadID] == s.ID {
			delete(r.byThread, s.ThreadID)
		}
	})
}

// activeControllerForUser returns key's Controller if it is currently in
// PENDING, RUNNING, or STOPPING, else nil (a terminal or absent entry
// leaves the slot free).
func (r *Registry) activeControllerForUser(key userKey) *Controller {
	r.mu.Lock()
	id, ok := r.byUser[key]
	ctrl := r.controllers[id]
	r.mu.Unlock()
	if !ok || ctrl == nil {
		return nil
	}
	switch ctrl.Snapshot().State {
	case types.StreamPending, types.StreamRunning, types.StreamStopping:
		return ctrl
	default:
		return nil
	}
}

func (r *Registry) byThreadID(threadID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byThread[threadID]
	if !ok {
		return nil
	}
	return r.controllers[id]
}

// ActiveCount implements [health.ActiveStreamsFunc]: the number of streams
// currently in PENDING, RUNNING, or STOPPING.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range ctrls {
		switch c.Snapshot().State {
		case types.StreamPending, types.StreamRunning, types.StreamStopping:
			n++
		}
	}
	return n
}

// Snapshot returns every registered Stream for teamID (status command
// target: a whole workspace), or just those owned by userID when userID is
// non-empty.
func (r *Registry) Snapshot(teamID, userID string) []Stream {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	out := make([]Stream, 0, len(ctrls))
	for _, c := range ctrls {
		s := c.Snapshot()
		if s.TeamID != teamID {
			continue
		}
		if userID != "" && s.UserID != userID {
			continue
		}
		out = append(out, s)
	}
	return out
}
