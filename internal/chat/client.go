// Package chat implements ChatClient and WorkspaceRegistry against Discord:
// thread-scoped posting with per-thread ordering, a header-message
// lifecycle editor, and a durable-store-backed registry that resolves a
// guild (team_id) to its bound [discordgo.Session].
package chat

import (
	"context"
)

// Header holds the content of a stream's header message, posted once on
// open and edited in place as the stream's lifecycle state changes.
type Header struct {
	Title  string
	URL    string
	Status string
}

// Identity describes the credentials a ChatClient is authenticated as.
type Identity struct {
	TeamID    string
	BotUserID string
}

// Client is the thin chat-platform abstraction StreamController posts
// through. Implementations must be safe for concurrent use and SHOULD
// serialize posts within a single threadID to preserve ord order (§5, §9).
type Client interface {
	// OpenThread creates a new thread under channelID and posts header as
	// its first message, returning the thread and message identifiers.
	OpenThread(ctx context.Context, channelID string, header Header) (threadID, msgID string, err error)

	// PostInThread posts a plain-text sentence into an existing thread.
	PostInThread(ctx context.Context, threadID, text string) (msgID string, err error)

	// Edit replaces a header message's content in place.
	Edit(ctx context.Context, msgID string, header Header) error

	// ResolveChannel maps a human channel name to its platform ID.
	ResolveChannel(ctx context.Context, name string) (channelID string, err error)

	// Whoami reports which workspace and bot identity this client is
	// authenticated as.
	Whoami(ctx context.Context) (Identity, error)

	// Close releases the underlying connection.
	Close() error
}
