package stockbot

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// Outcome is how a routed message was ultimately handled
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
	OutcomeInvalid Outcome = "invalid"
	OutcomeIgnored Outcome = "ignored"
)

// MessageLog records a routed discord message and what came of it
type MessageLog struct {
	ModelUintID
	ModelUnixTime
	CorrelationID string  `gorm:"size:36;uniqueIndex" json:"correlation_id"`
	MessageID     string  `gorm:"size:50;index" json:"message_id"`
	ChannelID     string  `gorm:"size:50" json:"channel_id"`
	GuildID       string  `gorm:"size:50" json:"guild_id"`
	UserID        string  `gorm:"size:50;index" json:"user_id"`
	Username      string  `gorm:"size:100" json:"username"`
	Content       string  `json:"content"`
	Route         Route   `gorm:"size:32;index" json:"route"`
	Outcome       Outcome `gorm:"size:16" json:"outcome"`
	Error         string  `json:"error,omitempty"`
}

func newMessageLog(m *discordgo.Message, route Route) *MessageLog {
	ml := &MessageLog{
		CorrelationID: uuid.NewString(),
		MessageID:     m.ID,
		ChannelID:     m.ChannelID,
		GuildID:       m.GuildID,
		Content:       m.Content,
		Route:         route,
	}
	if user := messageAuthor(m); user != nil {
		ml.UserID = user.ID
		ml.Username = user.Username
	}
	return ml
}

func (m MessageLog) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("correlation_id", m.CorrelationID),
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String(columnUserID, m.UserID),
		slog.String(columnUsername, m.Username),
		slog.String("route", string(m.Route)),
	}
	if m.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", string(m.Outcome)))
	}
	if m.Error != "" {
		attrs = append(attrs, slog.String("error", m.Error))
	}
	return slog.GroupValue(attrs...)
}

// messageAuthor returns the message's author, falling back to the
// guild member's user
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}
