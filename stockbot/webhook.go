package stockbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	webhookEventMention   = "discord_mention"
	webhookPayloadVersion = "2.0"
	webhookSource         = "discord"
	contentPreviewLength  = 100
	maxWebhookErrorBody   = 512
)

var ErrWebhookNotConfigured = errors.New("webhook not configured")

// WebhookPayload is the JSON body POSTed for a forwarded mention
type WebhookPayload struct {
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Version   string          `json:"version"`
	Data      WebhookData     `json:"data"`
	Metadata  WebhookMetadata `json:"metadata"`
}

type WebhookData struct {
	Message     WebhookMessage      `json:"message"`
	Channel     WebhookChannel      `json:"channel"`
	Guild       *WebhookGuild       `json:"guild"`
	Author      WebhookUser         `json:"author"`
	Attachments []WebhookAttachment `json:"attachments"`
	Embeds      []WebhookEmbed      `json:"embeds"`
	Mentions    []WebhookUser       `json:"mentions"`
	Stats       WebhookStats        `json:"stats"`
}

type WebhookMessage struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	ContentPreview  string     `json:"content_preview"`
	CreatedAt       time.Time  `json:"created_at"`
	EditedAt        *time.Time `json:"edited_at"`
	JumpURL         string     `json:"jump_url"`
	MentionEveryone bool       `json:"mention_everyone"`
}

type WebhookChannel struct {
	ID string `json:"id"`
}

type WebhookGuild struct {
	ID string `json:"id"`
}

type WebhookUser struct {
	ID            string `json:"id"`
	Username      string `json:"name"`
	GlobalName    string `json:"display_name,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Bot           bool   `json:"bot"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

type WebhookAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

type WebhookEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
	Type        string `json:"type,omitempty"`
}

type WebhookStats struct {
	ContentLength   int `json:"content_length"`
	AttachmentCount int `json:"attachment_count"`
	EmbedCount      int `json:"embed_count"`
	MentionCount    int `json:"mention_count"`
}

type WebhookMetadata struct {
	BotID  string `json:"bot_id"`
	Source string `json:"source"`
}

func webhookUser(u *discordgo.User) WebhookUser {
	if u == nil {
		return WebhookUser{}
	}
	wu := WebhookUser{
		ID:            u.ID,
		Username:      u.Username,
		GlobalName:    u.GlobalName,
		Discriminator: u.Discriminator,
		Bot:           u.Bot,
	}
	if u.Avatar != "" {
		wu.AvatarURL = u.AvatarURL("")
	}
	return wu
}

// jumpURL returns the discord link to the message
func jumpURL(m *discordgo.Message) string {
	guildID := m.GuildID
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, m.ChannelID, m.ID)
}

// NewWebhookPayload builds the forwarded-mention payload for a message
func NewWebhookPayload(m *discordgo.Message, botID string) WebhookPayload {
	p := WebhookPayload{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: webhookEventMention,
		Version:   webhookPayloadVersion,
		Metadata:  WebhookMetadata{BotID: botID, Source: webhookSource},
		Data: WebhookData{
			Message: WebhookMessage{
				ID:              m.ID,
				Content:         m.Content,
				ContentPreview:  preview(m.Content, contentPreviewLength),
				CreatedAt:       m.Timestamp,
				EditedAt:        m.EditedTimestamp,
				JumpURL:         jumpURL(m),
				MentionEveryone: m.MentionEveryone,
			},
			Channel:     WebhookChannel{ID: m.ChannelID},
			Author:      webhookUser(m.Author),
			Attachments: make([]WebhookAttachment, 0, len(m.Attachments)),
			Embeds:      make([]WebhookEmbed, 0, len(m.Embeds)),
			Mentions:    make([]WebhookUser, 0, len(m.Mentions)),
		},
	}
	if m.GuildID != "" {
		p.Data.Guild = &WebhookGuild{ID: m.GuildID}
	}
	for _, a := range m.Attachments {
		p.Data.Attachments = append(
			p.Data.Attachments, WebhookAttachment{
				ID:          a.ID,
				Filename:    a.Filename,
				URL:         a.URL,
				Size:        a.Size,
				ContentType: a.ContentType,
			},
		)
	}
	for _, e := range m.Embeds {
		p.Data.Embeds = append(
			p.Data.Embeds, WebhookEmbed{
				Title:       e.Title,
				Description: e.Description,
				URL:         e.URL,
				Color:       e.Color,
				Type:        string(e.Type),
			},
		)
	}
	for _, u := range m.Mentions {
		p.Data.Mentions = append(p.Data.Mentions, webhookUser(u))
	}
	p.Data.Stats = WebhookStats{
		ContentLength:   len([]rune(m.Content)),
		AttachmentCount: len(p.Data.Attachments),
		EmbedCount:      len(p.Data.Embeds),
		MentionCount:    len(p.Data.Mentions),
	}
	return p
}

// WebhookForwarder POSTs forwarded mentions to the configured webhook,
// retrying network errors and non-2xx responses with exponential backoff.
type WebhookForwarder struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger
}

func NewWebhookForwarder(
	config *WebhookConfig,
	client *http.Client,
	logger *slog.Logger,
) *WebhookForwarder {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookForwarder{config: config, client: client, logger: logger}
}

// Enabled reports whether a webhook URL is configured
func (w *WebhookForwarder) Enabled() bool {
	return w.config.URL != ""
}

// backOff waits RetryBaseDelay * 2^attempt between attempts, for
// MaxRetries attempts in total.
func (w *WebhookForwarder) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = w.config.RetryBaseDelay * time.Duration(1<<max(w.config.MaxRetries, 1))
	b.MaxElapsedTime = 0
	b.Reset()

	retries := max(w.config.MaxRetries-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Forward sends the message to the webhook as a mention event
func (w *WebhookForwarder) Forward(ctx context.Context, m *discordgo.Message, botID string) error {
	return w.Send(ctx, NewWebhookPayload(m, botID))
}

// Send POSTs the payload, returning an error once all attempts fail
func (w *WebhookForwarder) Send(ctx context.Context, payload WebhookPayload) error {
	if !w.Enabled() {
		return ErrWebhookNotConfigured
	}
	logger := loggerFromContext(ctx, w.logger).With("event_id", payload.EventID)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding webhook payload: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		return w.post(ctx, body)
	}
	notify := func(err error, wait time.Duration) {
		webhookDeliveries.WithLabelValues("retry").Inc()
		logger.WarnContext(
			ctx,
			"webhook delivery failed, retrying",
			"attempt", attempt,
			"wait", wait,
			tint.Err(err),
		)
	}

	if err = backoff.RetryNotify(op, w.backOff(ctx), notify); err != nil {
		webhookDeliveries.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "webhook delivery failed", "attempts", attempt, tint.Err(err))
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, err)
	}
	webhookDeliveries.WithLabelValues("success").Inc()
	logger.InfoContext(ctx, "delivered webhook", "attempts", attempt)
	return nil
}

func (w *WebhookForwarder) post(ctx context.Context, body []byte) error {
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("error creating webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookErrorBody))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(errBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
