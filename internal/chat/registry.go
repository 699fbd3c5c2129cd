package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/streamscribe/streamscribe/internal/store"
)

// EnvFallback holds the single-workspace-mode credentials read from
// environment variables, used when WorkspaceStore has no registered
// workspaces at all.
type EnvFallback struct {
	GuildID  string
	BotToken string
}

// Registry maps team_id (Discord guild ID) to a ready-to-use [Client],
// built from [store.Store] at startup and rebuilt incrementally whenever an
// admin mutates a Workspace row.
type Registry struct {
	st  *store.Store
	env EnvFallback

	// dial opens a Client for (token, guildID). Defaults to [connect];
	// tests override it to avoid dialing the real Discord gateway.
	dial func(token, guildID string) (Client, error)

	mu      sync.RWMutex
	clients map[string]Client
	envOnce Client
	envErr  error
}

// NewRegistry builds a Registry and connects a [Client] for every active
// workspace currently in st. env is used as a single-workspace fallback
// when st has no active workspaces at all.
func NewRegistry(ctx context.Context, st *store.Store, env EnvFallback) (*Registry, error) {
	r := &Registry{st: st, env: env, dial: connect, clients: make(map[string]Client)}
	if err := r.Rebuild(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Rebuild reconnects every active workspace from the store, replacing the
// cached client set. Call this after an admin add/remove/activate
// mutation. Existing clients for workspaces no longer active are closed.
func (r *Registry) Rebuild(ctx context.Context) error {
	workspaces, err := r.st.ListWorkspaces(true)
	if err != nil {
		return fmt.Errorf("chat: list active workspaces: %w", err)
	}

	next := make(map[string]Client, len(workspaces))
	for _, w := range workspaces {
		client, err := r.dial(w.BotToken, w.TeamID)
		if err != nil {
			slog.Warn("chat: failed to connect workspace, skipping", "team_id", w.TeamID, "error", err)
			continue
		}
		next[w.TeamID] = client
	}

	r.mu.Lock()
	old := r.clients
	r.clients = next
	r.mu.Unlock()

	for teamID, client := range old {
		if _, stillActive := next[teamID]; !stillActive {
			_ = client.Close()
		}
	}
	return nil
}

// Get returns the Client for teamID, or the environment-variable fallback
// client when no workspaces are registered at all (single-workspace mode).
func (r *Registry) Get(teamID string) (Client, error) {
	r.mu.RLock()
	client, ok := r.clients[teamID]
	n := len(r.clients)
	r.mu.RUnlock()
	if ok {
		return client, nil
	}
	if n == 0 {
		return r.envFallbackClient()
	}
	return nil, fmt.Errorf("chat: no registered workspace %q", teamID)
}

// envFallbackClient lazily connects the single-workspace fallback client
// and caches the result (success or failure) for subsequent calls.
func (r *Registry) envFallbackClient() (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.envOnce != nil || r.envErr != nil {
		return r.envOnce, r.envErr
	}
	if r.env.BotToken == "" {
		r.envErr = fmt.Errorf("chat: no workspaces registered and no environment fallback token configured")
		return nil, r.envErr
	}
	client, err := r.dial(r.env.BotToken, r.env.GuildID)
	if err != nil {
		r.envErr = err
		return nil, err
	}
	r.envOnce = client
	return client, nil
}

// connect opens a discordgo session for token and wraps it as a Client
// scoped to guildID.
func connect(token, guildID string) (Client, error) {
	sess, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("chat: create session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("chat: open session: %w", err)
	}
	var botUserID string
	if sess.State != nil && sess.State.User != nil {
		botUserID = sess.State.User.ID
	}
	return NewDiscordClient(sess, guildID, botUserID), nil
}

// All returns a snapshot of every currently registered workspace client,
// keyed by team_id. Used by the gateway adapter to register inbound
// message/interaction handlers on each workspace's session.
func (r *Registry) All() map[string]Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Client, len(r.clients))
	for teamID, client := range r.clients {
		out[teamID] = client
	}
	return out
}

// Close closes every cached client, including the environment fallback.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, client := range r.clients {
		_ = client.Close()
	}
	if r.envOnce != nil {
		_ = r.envOnce.Close()
	}
	return nil
}
