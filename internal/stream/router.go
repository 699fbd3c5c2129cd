package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/streamscribe/streamscribe/internal/errs"
	"github.com/streamscribe/streamscribe/internal/store"
)

// stopSynonyms and retrySynonyms are the in-thread command words §4.12
// recognizes, matched case-insensitively after trimming.
var (
	stopSynonyms  = []string{"stop", "halt", "停止", "ストップ"}
	retrySynonyms = []string{"retry", "restart", "再開", "リトライ"}
)

// fuzzyMatchThreshold is the Jaro-Winkler similarity above which a thread
// message that doesn't exactly match a synonym is still accepted — a
// supplemental tolerance for near-miss typing (e.g. "stpo", "hlat") the
// exact-match rule in §4.12 doesn't cover on its own. Grounded on
// transcript/phonetic/phonetic.go's bestJWScore usage of matchr.JaroWinkler.
const fuzzyMatchThreshold = 0.92

// DepsFactory builds the per-stream [Deps] for a (team, user) pair: it
// resolves the workspace's ChatClient and the shared
// TranscriptionWorkerPool/VAD/Sentence configuration; HandleStart fills in
// the user's decrypted cookies itself. Wired by internal/app's
// App.depsFactory to the process's chat registry and pool.
type DepsFactory func(ctx context.Context, teamID, userID, language string) (Deps, error)

// CommandRouter is CommandRouter: it translates inbound chat commands into
// StreamRegistry operations, per §4.12. The naming and registration-map
// shape of a dispatch layer is grounded on discord/router.go; the command
// vocabulary itself (start/status/stop/retry, with language synonyms) is
// specific to this pipeline.
type CommandRouter struct {
	registry *Registry
	store    *store.Store
	deps     DepsFactory
	version  string
}

// NewCommandRouter creates a CommandRouter. version is reported by the status command.
func NewCommandRouter(registry *Registry, st *store.Store, deps DepsFactory, version string) *CommandRouter {
	return &CommandRouter{registry: registry, store: st, deps: deps, version: version}
}

// HandleStart implements the `/youtube2thread <URL>` command, per §4.11:
// validate the URL, resolve the user's cookies (returning a CommandError
// directing them to DM cookies.txt if none are on file), then construct a
// Controller.
func (r *CommandRouter) HandleStart(ctx context.Context, teamID, userID, channelID, rawURL string) (string, error) {
	url := strings.TrimSpace(rawURL)
	if !looksLikeURL(url) {
		return "", &errs.CommandError{Message: "that doesn't look like a URL"}
	}

	cookies, err := r.store.GetUserCookies(teamID, userID)
	if err != nil {
		return "", &errs.CommandError{Message: "no cookies on file — DM me a cookies.txt attachment first"}
	}

	language := ""
	if settings, err := r.store.GetUserSettings(teamID, userID); err == nil {
		if v, ok := settings.Settings[store.SettingPreferredLanguage].(string); ok {
			language = v
		}
	}

	deps, err := r.deps(ctx, teamID, userID, language)
	if err != nil {
		return "", fmt.Errorf("stream: resolve dependencies: %w", err)
	}
	deps.Cookies = cookies.Cookies

	ctrl, err := r.registry.Start(ctx, StartRequest{
		TeamID:    teamID,
		UserID:    userID,
		ChannelID: channelID,
		URL:       url,
		Language:  language,
		Deps:      deps,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("starting transcription for %s (stream %s)", url, ctrl.Snapshot().ID), nil
}

// HandleStatus implements `/youtube2thread-status`: a block-formatted
// snapshot of active streams for teamID, or just userID's when userID is
// non-empty.
func (r *CommandRouter) HandleStatus(teamID, userID string) string {
	streams := r.registry.Snapshot(teamID, userID)
	var b strings.Builder
	fmt.Fprintf(&b, "streamscribe %s — %d active stream(s)\n", r.version, len(streams))
	for _, s := range streams {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", s.ID, s.State, s.URL)
	}
	return b.String()
}

// HandleStop implements `/youtube2thread-stop [stream_id]` and the in-thread
// stop synonyms. threadID may be a thread ID or a stream_id; see
// [Registry.Stop].
func (r *CommandRouter) HandleStop(threadID string) error {
	return r.registry.Stop(threadID)
}

// HandleRetry implements the in-thread retry synonyms.
func (r *CommandRouter) HandleRetry(ctx context.Context, threadID string) (string, error) {
	old := r.registry.byThreadID(threadID)
	teamID, userID, language := "", "", ""
	if old != nil {
		snap := old.Snapshot()
		teamID, userID, language = snap.TeamID, snap.UserID, snap.Language
	}

	deps, err := r.deps(ctx, teamID, userID, language)
	if err != nil {
		return "", fmt.Errorf("stream: resolve dependencies: %w", err)
	}
	if old != nil {
		if cookies, err := r.store.GetUserCookies(teamID, userID); err == nil {
			deps.Cookies = cookies.Cookies
		}
	}

	ctrl, err := r.registry.Retry(ctx, threadID, deps)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("retrying as stream %s", ctrl.Snapshot().ID), nil
}

// HandleThreadMessage matches text against the stop/retry synonym sets and
// dispatches to the corresponding operation. It returns handled=false for
// any text that isn't a recognized command, so the caller can silently
// ignore ordinary conversation in the thread. botUserID messages must be
// filtered out by the caller before reaching here, per §4.12's "bot's own
// messages are ignored to prevent loops".
func (r *CommandRouter) HandleThreadMessage(ctx context.Context, threadID, text string) (reply string, handled bool, err error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return "", false, nil
	}

	switch matchSynonym(normalized) {
	case synonymStop:
		if err := r.HandleStop(threadID); err != nil {
			return "", true, err
		}
		return "stopping stream…", true, nil
	case synonymRetry:
		reply, err := r.HandleRetry(ctx, threadID)
		return reply, true, err
	default:
		return "", false, nil
	}
}

type synonymKind int

const (
	synonymNone synonymKind = iota
	synonymStop
	synonymRetry
)

// matchSynonym classifies normalized against the stop/retry synonym sets:
// first by exact membership (the §4.12 rule), then by fuzzy fallback.
func matchSynonym(normalized string) synonymKind {
	for _, s := range stopSynonyms {
		if normalized == s {
			return synonymStop
		}
	}
	for _, s := range retrySynonyms {
		if normalized == s {
			return synonymRetry
		}
	}
	if fuzzyMatches(normalized, stopSynonyms) {
		return synonymStop
	}
	if fuzzyMatches(normalized, retrySynonyms) {
		return synonymRetry
	}
	return synonymNone
}

func fuzzyMatches(text string, synonyms []string) bool {
	for _, s := range synonyms {
		if matchr.JaroWinkler(text, s, false) >= fuzzyMatchThreshold {
			return true
		}
	}
	return false
}

// looksLikeURL is a minimal sanity check: the core does not otherwise
// interpret the URL, per §9's "cookies as opaque blobs" philosophy applied
// equally to stream URLs — MediaSource is the only component that actually
// resolves them.
func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
