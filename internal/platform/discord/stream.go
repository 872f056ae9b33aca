package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// IncomingMessage is a single Discord message handed to a deployment's
// evaluation pipeline.
type IncomingMessage struct {
	AuthorID  string
	ChannelID string
	GuildID   string
	Content   string
}

// Stream tails a single Discord guild's messages into a channel, filtering
// to an allowed channel set the way the original engine's DiscordStream
// does. allowedChannels with a single "*" entry matches every channel.
type Stream struct {
	session         *discordgo.Session
	guildID         string
	allowedChannels map[string]bool
	allowAll        bool

	msgCh  chan IncomingMessage
	remove func()
}

// NewStream builds a Stream over session, scoped to guildID. Start adds
// the message-create handler; Messages produces no events before then.
func NewStream(session *discordgo.Session, guildID string, allowedChannels []string) *Stream {
	s := &Stream{
		session:         session,
		guildID:         guildID,
		allowedChannels: make(map[string]bool, len(allowedChannels)),
		msgCh:           make(chan IncomingMessage, 256),
	}
	for _, c := range allowedChannels {
		if c == "*" {
			s.allowAll = true
		}
		s.allowedChannels[c] = true
	}
	return s
}

// Messages returns the channel of incoming messages. Closed once Stop is
// called.
func (s *Stream) Messages() <-chan IncomingMessage {
	return s.msgCh
}

// Start opens the Discord session and begins delivering messages for the
// configured guild.
func (s *Stream) Start(ctx context.Context) error {
	s.remove = s.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.GuildID != s.guildID {
			return
		}
		if !s.allowAll && !s.allowedChannels[m.ChannelID] {
			return
		}
		if m.Author != nil && m.Author.Bot {
			return
		}

		select {
		case s.msgCh <- IncomingMessage{
			AuthorID:  m.Author.ID,
			ChannelID: m.ChannelID,
			GuildID:   m.GuildID,
			Content:   m.Content,
		}:
		case <-ctx.Done():
		default:
			slog.Warn("discord stream queue full, dropping message", "guild_id", s.guildID)
		}
	})

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Stop closes the Discord session and the message channel.
func (s *Stream) Stop() error {
	if s.remove != nil {
		s.remove()
	}
	err := s.session.Close()
	close(s.msgCh)
	if err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}
