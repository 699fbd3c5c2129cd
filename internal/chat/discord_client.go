package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/streamscribe/streamscribe/internal/errs"
	"github.com/streamscribe/streamscribe/internal/resilience"
)

const (
	postRetryBase  = 250 * time.Millisecond
	postRetryCap   = 8 * time.Second
	postMaxRetries = 5

	// threadAutoArchiveMinutes matches Discord's smallest allowed
	// auto-archive window; streams are short-lived and always closed
	// explicitly on stop, so this only protects against a process crash
	// leaving a thread open indefinitely.
	threadAutoArchiveMinutes = 60
)

// Compile-time assertion that DiscordClient satisfies Client.
var _ Client = (*DiscordClient)(nil)

// session is the narrow slice of *discordgo.Session's method set
// DiscordClient depends on, following the mock/session.go pattern of
// wrapping only the interactions under test rather than the whole SDK
// surface. *discordgo.Session satisfies this interface directly.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	AddHandler(handler interface{}) func()
	Close() error
}

// DiscordClient is the Discord-backed Client implementation for one
// workspace (guild). It owns a Discord [session] and serializes posts
// within each thread via a dedicated per-thread queue, per §9's
// recommendation to avoid SentenceAssembler blocking on network latency.
type DiscordClient struct {
	session   session
	guildID   string
	botUserID string

	mu          sync.Mutex
	headerChan  map[string]string // msgID -> channelID, so Edit doesn't need the caller to remember it
	threadQueue map[string]chan postJob
	closed      bool
}

type postJob struct {
	text   string
	result chan<- postResult
}

type postResult struct {
	msgID string
	err   error
}

// NewDiscordClient wraps an already-authenticated session for guildID.
// botUserID is the bot's own user ID, known once the session has completed
// its gateway handshake; it is surfaced via Whoami. The caller owns
// session.Open()/Close() unless the returned client's Close is used, which
// also closes the session.
func NewDiscordClient(sess session, guildID, botUserID string) *DiscordClient {
	return &DiscordClient{
		session:     sess,
		guildID:     guildID,
		botUserID:   botUserID,
		headerChan:  make(map[string]string),
		threadQueue: make(map[string]chan postJob),
	}
}

// OpenThread posts header as an embed in channelID and starts a thread
// from it.
func (c *DiscordClient) OpenThread(ctx context.Context, channelID string, header Header) (string, string, error) {
	msg, err := c.session.ChannelMessageSendEmbed(channelID, buildHeaderEmbed(header))
	if err != nil {
		return "", "", classifyAndWrap(err)
	}

	thread, err := c.session.MessageThreadStartComplex(channelID, msg.ID, &discordgo.ThreadStart{
		Name:                header.Title,
		AutoArchiveDuration: threadAutoArchiveMinutes,
	})
	if err != nil {
		return "", "", classifyAndWrap(err)
	}

	c.mu.Lock()
	c.headerChan[msg.ID] = channelID
	c.mu.Unlock()

	return thread.ID, msg.ID, nil
}

// PostInThread enqueues text for posting in threadID and blocks until it
// has been posted (with retry) or ctx is done. The enqueue step guarantees
// ordering: callers that call PostInThread sequentially for one thread
// always see their posts land in that order, even under retry.
func (c *DiscordClient) PostInThread(ctx context.Context, threadID, text string) (string, error) {
	queue := c.threadQueueFor(threadID)
	result := make(chan postResult, 1)

	select {
	case queue <- postJob{text: text, result: result}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-result:
		return r.msgID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// threadQueueFor returns the posting queue for threadID, starting its
// consumer goroutine on first use.
func (c *DiscordClient) threadQueueFor(threadID string) chan postJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.threadQueue[threadID]
	if !ok {
		q = make(chan postJob, 32)
		c.threadQueue[threadID] = q
		go c.runThreadQueue(threadID, q)
	}
	return q
}

// runThreadQueue drains one thread's posting queue in order, retrying
// transient/rate-limited failures with full-jitter backoff per §4.15.
func (c *DiscordClient) runThreadQueue(threadID string, queue chan postJob) {
	for job := range queue {
		msgID, err := c.postWithRetry(threadID, job.text)
		job.result <- postResult{msgID: msgID, err: err}
	}
}

func (c *DiscordClient) postWithRetry(threadID, text string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < postMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(resilience.Backoff(attempt, postRetryBase, postRetryCap))
		}
		msg, err := c.session.ChannelMessageSend(threadID, text)
		if err == nil {
			return msg.ID, nil
		}
		lastErr = classifyAndWrap(err)

		var pf *errs.PostFailure
		if errors.As(lastErr, &pf) && pf.Class == errs.PostClassPermanent {
			return "", lastErr
		}
		slog.Warn("chat: post retrying", "thread_id", threadID, "attempt", attempt, "error", err)
	}
	return "", lastErr
}

// Edit replaces the header embed at msgID.
func (c *DiscordClient) Edit(ctx context.Context, msgID string, header Header) error {
	c.mu.Lock()
	channelID, ok := c.headerChan[msgID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("chat: unknown header message %q", msgID)
	}
	_, err := c.session.ChannelMessageEditEmbed(channelID, msgID, buildHeaderEmbed(header))
	if err != nil {
		return classifyAndWrap(err)
	}
	return nil
}

// ResolveChannel maps a channel name to its ID within this client's guild.
func (c *DiscordClient) ResolveChannel(ctx context.Context, name string) (string, error) {
	channels, err := c.session.GuildChannels(c.guildID)
	if err != nil {
		return "", classifyAndWrap(err)
	}
	name = strings.TrimPrefix(name, "#")
	for _, ch := range channels {
		if ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("chat: channel %q not found in guild %q", name, c.guildID)
}

// Whoami reports this client's guild and bot user ID.
func (c *DiscordClient) Whoami(ctx context.Context) (Identity, error) {
	if c.botUserID == "" {
		return Identity{}, errors.New("chat: session not yet authenticated")
	}
	return Identity{TeamID: c.guildID, BotUserID: c.botUserID}, nil
}

// RegisterCommands overwrites this guild's slash command set with cmds,
// per the discordgo bulk-overwrite idiom: a single call replaces whatever
// was previously registered, so the deploy-time set is always exact.
func (c *DiscordClient) RegisterCommands(cmds []*discordgo.ApplicationCommand) error {
	_, err := c.session.ApplicationCommandBulkOverwrite(c.botUserID, c.guildID, cmds)
	return err
}

// AddHandler registers a raw discordgo gateway handler (e.g. a
// *discordgo.MessageCreate or *discordgo.InteractionCreate callback) on this
// client's underlying session, for CommandRouter's inbound command
// dispatch. It is not part of [Client]: only the Discord-backed
// implementation has a gateway to listen on.
func (c *DiscordClient) AddHandler(handler interface{}) func() {
	return c.session.AddHandler(handler)
}

// Close stops every thread queue and closes the underlying session.
func (c *DiscordClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, q := range c.threadQueue {
		close(q)
	}
	c.mu.Unlock()
	return c.session.Close()
}

// buildHeaderEmbed renders a Header as a Discord embed: title, URL, and a
// status line, per §6's "header message in blocks (title, URL, status)".
func buildHeaderEmbed(h Header) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: h.Title,
		URL:   h.URL,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: h.Status},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// classifyAndWrap maps a discordgo error to the PostFailure taxonomy.
// discordgo surfaces rate limits as [discordgo.RESTError] with a 429 status
// and a Retry-After header parsed into RateLimitError; anything else is
// treated as transient unless it carries a 401/403, which is permanent.
func classifyAndWrap(err error) error {
	if err == nil {
		return nil
	}
	var rateLimit *discordgo.RateLimitError
	if errors.As(err, &rateLimit) {
		return &errs.PostFailure{
			Class:      errs.PostClassRateLimited,
			RetryAfter: rateLimit.RetryAfter.Milliseconds(),
			Err:        err,
		}
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 401, 403:
			return &errs.PostFailure{Class: errs.PostClassPermanent, Err: err}
		case 429:
			return &errs.PostFailure{Class: errs.PostClassRateLimited, Err: err}
		}
	}
	return &errs.PostFailure{Class: errs.PostClassTransient, Err: err}
}
