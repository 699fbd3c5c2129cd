package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/streamscribe/streamscribe/internal/chat"
	"github.com/streamscribe/streamscribe/internal/store"
)

// slashCommands is the fixed set of application commands every workspace
// registers, per §4.12/§6. Retry has no slash command: it is only reachable
// as an in-thread synonym, matching HandleThreadMessage's dispatch.
var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "youtube2thread",
		Description: "Start live transcription of a YouTube stream into a new thread",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionString, Name: "url", Description: "Live stream URL", Required: true},
		},
	},
	{Name: "youtube2thread-status", Description: "Show active transcription streams"},
	{
		Name:        "youtube2thread-stop",
		Description: "Stop a transcription stream",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionString, Name: "stream_id", Description: "Stream ID (defaults to the current thread)", Required: false},
		},
	},
}

// registerGatewayHandlers wires every workspace's Discord session to the
// CommandRouter, mirroring bot.go's AddHandler-based interaction routing:
// one handler per event type, dispatched to already-connected clients
// rather than owning the session itself.
func (a *App) registerGatewayHandlers() {
	for teamID, client := range a.chatRegistry.All() {
		dc, ok := client.(*chat.DiscordClient)
		if !ok {
			continue // environment-fallback or test double: no gateway to listen on
		}
		if err := dc.RegisterCommands(slashCommands); err != nil {
			slog.Warn("app: register slash commands failed", "team_id", teamID, "err", err)
		}

		identity, err := dc.Whoami(context.Background())
		botUserID := identity.BotUserID
		if err != nil {
			slog.Warn("app: whoami failed, bot-loop filtering disabled", "team_id", teamID, "err", err)
		}

		dc.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessageCreate(teamID, botUserID, m)
		})
		dc.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(teamID, s, i)
		})
	}
}

// handleMessageCreate routes a gateway message to either the DM
// cookies.txt upload path or the in-thread stop/retry synonym path,
// ignoring everything else (ordinary conversation, the bot's own posts).
func (a *App) handleMessageCreate(teamID, botUserID string, m *discordgo.MessageCreate) {
	if botUserID != "" && m.Author != nil && m.Author.ID == botUserID {
		return
	}
	if m.GuildID == "" {
		a.handleCookieUpload(teamID, m)
		return
	}

	reply, handled, err := a.Router.HandleThreadMessage(context.Background(), m.ChannelID, m.Content)
	if err != nil {
		slog.Warn("app: handle thread message", "channel_id", m.ChannelID, "err", err)
		return
	}
	if !handled {
		return
	}
	client, err := a.chatRegistry.Get(teamID)
	if err != nil {
		return
	}
	if _, err := client.PostInThread(context.Background(), m.ChannelID, reply); err != nil {
		slog.Warn("app: post thread-command reply", "err", err)
	}
}

// handleCookieUpload accepts a DM attachment named cookies.txt, validates
// it, and stores it encrypted for the sending user, per §6's "DM cookie
// upload" interface.
func (a *App) handleCookieUpload(teamID string, m *discordgo.MessageCreate) {
	for _, att := range m.Attachments {
		if att.Filename != "cookies.txt" {
			continue
		}
		blob, err := downloadAttachment(att.URL)
		if err != nil {
			slog.Warn("app: download cookies attachment", "err", err)
			return
		}
		if err := chat.ValidateCookiesFile(blob); err != nil {
			slog.Warn("app: reject malformed cookies file", "user_id", m.Author.ID, "err", err)
			return
		}
		if err := a.store.PutUserCookies(store.UserCookies{TeamID: teamID, UserID: m.Author.ID, Cookies: blob}); err != nil {
			slog.Warn("app: store cookies", "err", err)
		}
		return
	}
}

func downloadAttachment(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("app: attachment fetch status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// handleInteraction routes a slash command interaction to the matching
// CommandRouter method and responds inline.
func (a *App) handleInteraction(teamID string, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reply string
	var err error
	switch data.Name {
	case "youtube2thread":
		url := optString(data.Options, "url")
		reply, err = a.Router.HandleStart(ctx, teamID, i.Member.User.ID, i.ChannelID, url)
	case "youtube2thread-status":
		reply = a.Router.HandleStatus(teamID, "")
	case "youtube2thread-stop":
		threadID := optString(data.Options, "stream_id")
		if threadID == "" {
			threadID = i.ChannelID
		}
		err = a.Router.HandleStop(threadID)
		if err == nil {
			reply = "stopping"
		}
	default:
		return
	}
	if err != nil {
		reply = err.Error()
	}
	respond(s, i, reply)
}

func optString(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name {
			return o.StringValue()
		}
	}
	return ""
}

// respond posts an immediate channel-message interaction response.
func respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		slog.Warn("app: interaction respond", "err", err)
	}
}
