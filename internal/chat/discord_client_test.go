package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/streamscribe/streamscribe/internal/errs"
)

// fakeSession is a minimal test double for the session interface, recording
// calls and allowing scripted failures. It follows the mock/session.go
// narrow-interface idiom, just over the methods DiscordClient actually uses.
type fakeSession struct {
	mu sync.Mutex

	nextMsgID     int
	sentTexts     []string
	editedEmbeds  []*discordgo.MessageEmbed
	guildChannels []*discordgo.Channel

	sendErrQueue []error // consumed in order by ChannelMessageSend; nil entries succeed
}

func (f *fakeSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	return &discordgo.Message{ID: msgIDFor(f.nextMsgID), ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	var err error
	if len(f.sendErrQueue) > 0 {
		err = f.sendErrQueue[0]
		f.sendErrQueue = f.sendErrQueue[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.nextMsgID++
	f.sentTexts = append(f.sentTexts, content)
	id := f.nextMsgID
	f.mu.Unlock()
	return &discordgo.Message{ID: msgIDFor(id), ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editedEmbeds = append(f.editedEmbeds, embed)
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "thread-" + messageID, Name: data.Name}, nil
}

func (f *fakeSession) GuildChannels(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return f.guildChannels, nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (f *fakeSession) AddHandler(interface{}) func() { return func() {} }

func (f *fakeSession) Close() error { return nil }

func msgIDFor(n int) string {
	return "msg-" + string(rune('a'+n))
}

func TestOpenThread_PostsHeaderAndStartsThread(t *testing.T) {
	fs := &fakeSession{}
	c := NewDiscordClient(fs, "guild-1", "bot-1")

	threadID, msgID, err := c.OpenThread(context.Background(), "chan-1", Header{Title: "stream", URL: "https://example.com"})
	if err != nil {
		t.Fatalf("OpenThread: %v", err)
	}
	if threadID == "" || msgID == "" {
		t.Fatalf("got empty ids: thread=%q msg=%q", threadID, msgID)
	}
}

func TestPostInThread_PreservesOrderOfSequentialCalls(t *testing.T) {
	fs := &fakeSession{}
	c := NewDiscordClient(fs, "guild-1", "bot-1")

	var want []string
	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("sentence %d", i)
		want = append(want, text)
		if _, err := c.PostInThread(context.Background(), "thread-1", text); err != nil {
			t.Fatalf("PostInThread %d: %v", i, err)
		}
	}
	if len(fs.sentTexts) != 10 {
		t.Fatalf("got %d sent texts, want 10", len(fs.sentTexts))
	}
	for i, got := range fs.sentTexts {
		if got != want[i] {
			t.Errorf("sentTexts[%d] = %q, want %q", i, got, want[i])
		}
	}
}

func TestPostInThread_RetriesTransientFailureThenSucceeds(t *testing.T) {
	fs := &fakeSession{sendErrQueue: []error{errors.New("temporary network blip"), nil}}
	c := NewDiscordClient(fs, "guild-1", "bot-1")

	msgID, err := c.PostInThread(context.Background(), "thread-1", "hello")
	if err != nil {
		t.Fatalf("PostInThread: %v", err)
	}
	if msgID == "" {
		t.Error("expected a message ID after successful retry")
	}
}

func TestPostInThread_PermanentFailureDoesNotRetry(t *testing.T) {
	permanentErr := &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}
	fs := &fakeSession{sendErrQueue: []error{permanentErr, nil, nil, nil, nil}}
	c := NewDiscordClient(fs, "guild-1", "bot-1")

	_, err := c.PostInThread(context.Background(), "thread-1", "hello")
	if err == nil {
		t.Fatal("expected permanent failure to surface")
	}
	var pf *errs.PostFailure
	if !errors.As(err, &pf) || pf.Class != errs.PostClassPermanent {
		t.Fatalf("err = %v, want PostClassPermanent", err)
	}
	// Only the first (failing) attempt should have been consumed.
	if len(fs.sendErrQueue) != 4 {
		t.Errorf("retried after permanent failure: %d queued errors remain, want 4", len(fs.sendErrQueue))
	}
}

func TestEdit_UpdatesHeaderAtStoredChannel(t *testing.T) {
	fs := &fakeSession{}
	c := NewDiscordClient(fs, "guild-1", "bot-1")

	_, msgID, err := c.OpenThread(context.Background(), "chan-1", Header{Title: "t"})
	if err != nil {
		t.Fatalf("OpenThread: %v", err)
	}
	if err := c.Edit(context.Background(), msgID, Header{Title: "t", Status: "done"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if len(fs.editedEmbeds) != 1 {
		t.Fatalf("got %d edits, want 1", len(fs.editedEmbeds))
	}
	if fs.editedEmbeds[0].Fields[0].Value != "done" {
		t.Errorf("Status = %q, want %q", fs.editedEmbeds[0].Fields[0].Value, "done")
	}
}

func TestEdit_UnknownMessageIDFails(t *testing.T) {
	fs := &fakeSession{}
	c := NewDiscordClient(fs, "guild-1", "bot-1")
	if err := c.Edit(context.Background(), "never-opened", Header{}); err == nil {
		t.Error("expected error for unknown message ID")
	}
}

func TestResolveChannel_FindsByName(t *testing.T) {
	fs := &fakeSession{guildChannels: []*discordgo.Channel{{ID: "c1", Name: "general"}}}
	c := NewDiscordClient(fs, "guild-1", "bot-1")

	id, err := c.ResolveChannel(context.Background(), "#general")
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if id != "c1" {
		t.Errorf("id = %q, want %q", id, "c1")
	}
}

func TestResolveChannel_NotFound(t *testing.T) {
	fs := &fakeSession{}
	c := NewDiscordClient(fs, "guild-1", "bot-1")
	if _, err := c.ResolveChannel(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing channel")
	}
}

func TestWhoami_ReportsGuildAndBotID(t *testing.T) {
	fs := &fakeSession{}
	c := NewDiscordClient(fs, "guild-1", "bot-1")
	id, err := c.Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if id.TeamID != "guild-1" || id.BotUserID != "bot-1" {
		t.Errorf("got %+v", id)
	}
}

func TestBuildHeaderEmbed_IncludesStatusField(t *testing.T) {
	embed := buildHeaderEmbed(Header{Title: "t", URL: "https://x", Status: "running"})
	if embed.Title != "t" || embed.URL != "https://x" {
		t.Errorf("embed = %+v", embed)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Value != "running" {
		t.Errorf("Fields = %+v", embed.Fields)
	}
}

func TestClassifyAndWrap_MapsPermanentStatusCodes(t *testing.T) {
	err := classifyAndWrap(&discordgo.RESTError{Response: &http.Response{StatusCode: 401}})
	var pf *errs.PostFailure
	if !errors.As(err, &pf) || pf.Class != errs.PostClassPermanent {
		t.Fatalf("got %v, want PostClassPermanent", err)
	}
}

func TestClassifyAndWrap_DefaultsToTransient(t *testing.T) {
	err := classifyAndWrap(errors.New("boom"))
	var pf *errs.PostFailure
	if !errors.As(err, &pf) || pf.Class != errs.PostClassTransient {
		t.Fatalf("got %v, want PostClassTransient", err)
	}
}
