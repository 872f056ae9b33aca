// Package discord implements the Discord platform stream and action
// effector, grounded on the original engine's discord/stream.py and
// discord/action_handler.py, reusing the discordgo session lifecycle idiom
// from the teacher's channel implementations.
package discord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/modsentry/internal/moderation/pipeline"
)

// Effector performs moderation actions against a single Discord guild via a
// discordgo session. It implements dispatch.Effector.
type Effector struct {
	session *discordgo.Session
	guildID string
}

func NewEffector(session *discordgo.Session, guildID string) *Effector {
	return &Effector{session: session, guildID: guildID}
}

// Dispatch runs a ban, mute (Discord timeout), or kick action against
// targetUserID in the configured guild.
func (e *Effector) Dispatch(ctx context.Context, action pipeline.Action, targetUserID, channelID string) error {
	reason, _ := action.Params["reason"].(string)

	switch action.Type {
	case "ban":
		if err := e.session.GuildBanCreateWithReason(e.guildID, targetUserID, reason, 0); err != nil {
			return fmt.Errorf("ban %s: %w", targetUserID, err)
		}
		return nil

	case "mute":
		durationMS, _ := action.Params["duration_ms"].(float64)
		until := time.Now().Add(time.Duration(durationMS) * time.Millisecond)
		edit := &discordgo.GuildMemberParams{CommunicationDisabledUntil: &until}
		if _, err := e.session.GuildMemberEdit(e.guildID, targetUserID, edit); err != nil {
			return fmt.Errorf("mute %s: %w", targetUserID, err)
		}
		return nil

	case "kick":
		if err := e.session.GuildMemberDeleteWithReason(e.guildID, targetUserID, reason); err != nil {
			return fmt.Errorf("kick %s: %w", targetUserID, err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported discord action type %q", action.Type)
	}
}

// ParseSnowflake converts a Discord snowflake ID string to an int64 for
// logging/comparison purposes.
func ParseSnowflake(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}
