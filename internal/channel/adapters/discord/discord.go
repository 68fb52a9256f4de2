// Package discord connects the gateway to Discord: it turns gateway events
// into inbound events and performs outbound actions through the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/tentacle/internal/channel"
	"github.com/memohai/tentacle/internal/channel/inbound"
	"github.com/memohai/tentacle/internal/config"
	"github.com/memohai/tentacle/internal/conversation"
)

const inboundDedupTTL = time.Minute

var ErrNoToken = errors.New("discord bot token is not configured")

// Coordinator is the inbound side of the gateway.
type Coordinator interface {
	Handle(ctx context.Context, e inbound.Event, sender channel.Sender) error
	Invalidate(messageID string)
	Reset(ctx context.Context, instanceID int64) error
	RouteEvent(e inbound.Event) (int64, bool)
}

// CommandRouter names the instance serving the ask command.
type CommandRouter interface {
	CommandInstanceID() (int64, bool)
}

// ConnectionStatus is the gateway connection state seen by the adapter.
type ConnectionStatus struct {
	Configured bool
	Running    bool
	BotID      string
	UpdatedAt  time.Time
	LastError  string
}

type Adapter struct {
	logger      *slog.Logger
	cfg         config.DiscordConfig
	coordinator Coordinator
	commands    CommandRouter

	mu       sync.Mutex
	raw      *discordgo.Session
	session  Session
	botID    string
	removers []func()
	seen     map[string]time.Time
	status   ConnectionStatus

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewAdapter(log *slog.Logger, cfg config.DiscordConfig, coordinator Coordinator, commands CommandRouter) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Adapter{
		logger:      log.With(slog.String("adapter", "discord")),
		cfg:         cfg,
		coordinator: coordinator,
		commands:    commands,
		seen:        make(map[string]time.Time),
		base:        base,
		cancel:      cancel,
		now:         time.Now,
	}
}

// Start opens the gateway connection and registers the slash commands.
func (a *Adapter) Start(ctx context.Context) error {
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return ErrNoToken
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	a.mu.Lock()
	a.raw = s
	a.session = s
	a.removers = append(a.removers,
		s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.setBotID(r.User.ID)
			a.setRunning(true, "")
			a.logger.Info("discord ready", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
		}),
		s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { a.onMessageCreate(m.Message) }),
		s.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) { a.onReactionAdd(r) }),
		s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) { a.onMessageDelete(m) }),
		s.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) { a.onInteraction(i.Interaction) }),
		s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) { a.setRunning(true, "") }),
		s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) { a.setRunning(false, "gateway disconnected") }),
	)
	a.mu.Unlock()

	if err := s.Open(); err != nil {
		a.setRunning(false, err.Error())
		return fmt.Errorf("discord open connection: %w", err)
	}
	a.setRunning(true, "")
	if s.State != nil && s.State.User != nil {
		a.setBotID(s.State.User.ID)
	}

	appID := a.cfg.ApplicationID
	if appID == "" {
		appID = a.botUserID()
	}
	if _, err := s.ApplicationCommandBulkOverwrite(appID, a.cfg.GuildID, commandDefinitions(), discordgo.WithContext(ctx)); err != nil {
		a.logger.Error("register commands failed", slog.String("guild_id", a.cfg.GuildID), slog.Any("error", err))
	}
	a.logger.Info("discord connected", slog.String("application_id", appID))
	return nil
}

// Stop removes the event handlers, waits for in-flight events and closes
// the connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	removers := a.removers
	a.removers = nil
	raw := a.raw
	a.raw = nil
	a.status.Running = false
	a.mu.Unlock()
	for _, remove := range removers {
		remove()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stopping with events in flight")
	}
	a.cancel()

	if raw == nil {
		return nil
	}
	a.logger.Info("discord disconnecting")
	return raw.Close()
}

func (a *Adapter) onMessageCreate(m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == a.botUserID() {
		return
	}
	if a.isDuplicateInbound(m.ID) {
		return
	}
	e := a.eventFromMessage(m)
	if e.Empty() {
		a.logger.Debug("ignoring empty message", slog.String("message_id", m.ID))
		return
	}
	a.process(e, NewSender(a.session), true)
}

func (a *Adapter) onReactionAdd(r *discordgo.MessageReactionAdd) {
	if r == nil || r.MessageReaction == nil || r.UserID == a.botUserID() {
		return
	}
	ctx, cancel := context.WithTimeout(a.base, 10*time.Second)
	defer cancel()

	msg, err := a.session.ChannelMessage(r.ChannelID, r.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		a.logger.Warn("fetch reacted message failed", slog.String("message_id", r.MessageID), slog.Any("error", err))
		return
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		a.logger.Debug("ignoring reaction on a message without content", slog.String("message_id", r.MessageID))
		return
	}

	var user *discordgo.User
	var member *discordgo.Member
	if r.Member != nil && r.Member.User != nil {
		user, member = r.Member.User, r.Member
	} else if user, err = a.session.User(r.UserID, discordgo.WithContext(ctx)); err != nil {
		a.logger.Warn("fetch reacting user failed", slog.String("user_id", r.UserID), slog.Any("error", err))
		return
	}
	if user.Bot {
		return
	}

	a.process(inbound.Event{
		MessageID:  r.MessageID,
		Author:     authorOf(user, member),
		ChannelID:  r.ChannelID,
		GuildID:    r.GuildID,
		Content:    msg.Content,
		Reaction:   r.Emoji.MessageFormat(),
		ReceivedAt: a.now().UTC(),
	}, NewSender(a.session), true)
}

func (a *Adapter) onMessageDelete(m *discordgo.MessageDelete) {
	if m == nil || m.Message == nil || m.ID == "" {
		return
	}
	a.coordinator.Invalidate(m.ID)
}

// process hands a routed event to the coordinator on its own goroutine.
func (a *Adapter) process(e inbound.Event, sender channel.Sender, typing bool) {
	if _, ok := a.coordinator.RouteEvent(e); !ok {
		a.logger.Debug("no instance for channel", slog.String("channel_id", e.ChannelID), slog.String("guild_id", e.GuildID))
		return
	}
	a.logger.Info("inbound received",
		slog.String("channel_id", e.ChannelID),
		slog.String("user_id", e.Author.ID),
		slog.String("text", summarizeText(e.Content)),
	)
	if typing {
		if err := a.session.ChannelTyping(e.ChannelID, discordgo.WithContext(a.base)); err != nil {
			a.logger.Debug("typing indicator failed", slog.String("channel_id", e.ChannelID), slog.Any("error", err))
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.coordinator.Handle(a.base, e, sender); err != nil {
			a.logger.Error("handle inbound failed", slog.String("channel_id", e.ChannelID), slog.Any("error", err))
		}
	}()
}

// wait blocks until every event handed to the coordinator has finished.
func (a *Adapter) wait() {
	a.wg.Wait()
}

func (a *Adapter) eventFromMessage(m *discordgo.Message) inbound.Event {
	received := m.Timestamp
	if received.IsZero() {
		received = a.now()
	}
	e := inbound.Event{
		MessageID:   m.ID,
		Author:      authorOf(m.Author, m.Member),
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		Content:     strings.TrimSpace(m.Content),
		Attachments: collectAttachments(m),
		Embeds:      collectEmbeds(m.Embeds),
		ReceivedAt:  received.UTC(),
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		e.ReplyTo = &inbound.Reply{
			Author:  authorOf(ref.Author, ref.Member),
			Content: ref.Content,
			Embeds:  collectEmbeds(ref.Embeds),
		}
	}
	return e
}

func authorOf(u *discordgo.User, member *discordgo.Member) inbound.Author {
	if u == nil {
		return inbound.Author{}
	}
	name := u.Username
	if u.GlobalName != "" {
		name = u.GlobalName
	}
	if member != nil && member.Nick != "" {
		name = member.Nick
	}
	return inbound.Author{ID: u.ID, Name: name, Mention: u.Mention()}
}

func collectAttachments(msg *discordgo.Message) []conversation.Attachment {
	if msg == nil || len(msg.Attachments) == 0 {
		return nil
	}
	attachments := make([]conversation.Attachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		attachments = append(attachments, conversation.Attachment{
			Name:     att.Filename,
			MimeType: att.ContentType,
			URL:      att.URL,
		})
	}
	return attachments
}

func collectEmbeds(embeds []*discordgo.MessageEmbed) []inbound.Embed {
	if len(embeds) == 0 {
		return nil
	}
	out := make([]inbound.Embed, 0, len(embeds))
	for _, e := range embeds {
		if e == nil {
			continue
		}
		embed := inbound.Embed{Title: e.Title, URL: e.URL, Description: e.Description}
		if e.Author != nil {
			embed.AuthorName, embed.AuthorURL = e.Author.Name, e.Author.URL
		}
		for _, f := range e.Fields {
			if f != nil {
				embed.Fields = append(embed.Fields, inbound.EmbedField{Name: f.Name, Value: f.Value})
			}
		}
		if e.Footer != nil {
			embed.Footer = e.Footer.Text
		}
		out = append(out, embed)
	}
	return out
}

func (a *Adapter) isDuplicateInbound(messageID string) bool {
	if strings.TrimSpace(messageID) == "" {
		return false
	}
	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()
	if seenAt, ok := a.seen[messageID]; ok && !seenAt.Before(now.Add(-inboundDedupTTL)) {
		return true
	}
	a.seen[messageID] = now
	return false
}

// PruneSeen drops expired dedup entries and returns how many were removed.
func (a *Adapter) PruneSeen() int {
	expireBefore := a.now().UTC().Add(-inboundDedupTTL)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key, seenAt := range a.seen {
		if seenAt.Before(expireBefore) {
			delete(a.seen, key)
			removed++
		}
	}
	return removed
}

func (a *Adapter) setBotID(id string) {
	a.mu.Lock()
	a.botID = id
	a.mu.Unlock()
}

func (a *Adapter) setRunning(running bool, lastError string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Running = running
	a.status.UpdatedAt = a.now().UTC()
	if lastError != "" {
		a.status.LastError = lastError
	}
}

// ConnectionStatus reports the current gateway connection state.
func (a *Adapter) ConnectionStatus() ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status
	st.Configured = strings.TrimSpace(a.cfg.BotToken) != ""
	st.BotID = a.botID
	return st
}

func (a *Adapter) botUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

func summarizeText(text string) string {
	const limit = 120
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
