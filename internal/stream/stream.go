// Package stream implements the per-stream lifecycle state machine
// (StreamController), the process-wide index of active controllers
// (StreamRegistry), and the inbound command dispatcher (CommandRouter).
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/streamscribe/streamscribe/internal/types"
)

// Stream is the lifecycle record for one transcription run, owned
// exclusively by its StreamController.
type Stream struct {
	ID     string
	TeamID string
	UserID string
	URL    string

	// ChannelID is the channel a fresh `start` posts its header thread
	// into. Empty for a retried stream, which instead reuses ThreadID.
	ChannelID string

	// ThreadID is empty for a brand-new stream (OpenThread mints one) and
	// pre-populated for a retry, which continues posting into the thread
	// its predecessor opened.
	ThreadID    string
	HeaderMsgID string

	State     types.StreamState
	StartedAt time.Time
	LastError string
	Language  string

	// RetriedFromID is set when this Stream was created by a retry command,
	// naming the FAILED/STOPPED stream it replaces.
	RetriedFromID string
}

// deterministicID derives a stream_id as hash(team_id|user_id|seed). For a
// fresh `start` command, seed is the target channel_id: the spec's
// thread_id is not yet known at this point (OpenThread has not run), and
// the channel_id is the closest stable identifier available before it
// does. Grounded on config/watcher.go's use of sha256 for content
// addressing. See DESIGN.md for this resolution of the spec's stream_id
// formula.
func deterministicID(teamID, userID, seed string) string {
	sum := sha256.Sum256([]byte(teamID + "|" + userID + "|" + seed))
	return hex.EncodeToString(sum[:])[:16]
}

// retryID mints a fresh stream_id for a retried stream. It cannot reuse
// deterministicID: the (team, user, thread) triple is unchanged across a
// retry, and the replaced Stream's terminal record may still be lingering
// in the registry under that same deterministic ID.
func retryID() string {
	return uuid.New().String()
}
