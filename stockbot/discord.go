package stockbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/singleflight"
)

const (
	reactionSuccess = "✅"
	reactionFailure = "❌"
	reactionWorking = "⏳"

	// cached bot roles are refetched after this long
	botRolesTTL = 10 * time.Minute
)

// guildRoles is the bot's role IDs in one guild
type guildRoles struct {
	roles     []string
	fetchedAt time.Time
}

// Discord manages the gateway session and the outbound operations the bot
// needs: channel replies, direct messages and reactions.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// bot role IDs per guild, used to detect role mentions
	botRoles      map[string]guildRoles
	botRolesMu    sync.Mutex
	botRolesFetch singleflight.Group
	now           func() time.Time

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger,
		botRoles:                    map[string]guildRoles{},
		now:                         time.Now,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// Connected reports whether the gateway session is currently connected
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, columnUserID, r.User.ID, columnUsername, r.User.Username)
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		discordConnected.Set(1)
		d.logger.Info("connected", "connects", d.metricConnects.Load())

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		discordConnected.Set(0)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// reply sends content to the message's channel, as a reply to it.
// Content is shortened to fit discord's message length limit.
func (d *Discord) reply(
	ctx context.Context,
	m *discordgo.Message,
	content string,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		shortenString(content, discordMaxMessageLength),
		m.Reference(),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error replying to message: %w", err)
	}
	return msg, nil
}

// react adds a reaction to the message, logging any error
func (d *Discord) react(ctx context.Context, m *discordgo.Message, emoji string) {
	if err := d.session.MessageReactionAdd(
		m.ChannelID,
		m.ID,
		emoji,
		discordgo.WithContext(ctx),
	); err != nil {
		loggerFromContext(ctx, d.logger).WarnContext(
			ctx,
			"error adding reaction",
			"emoji", emoji,
			tint.Err(err),
		)
	}
}

// unreact removes the bot's own reaction from the message, logging any error
func (d *Discord) unreact(ctx context.Context, m *discordgo.Message, emoji string) {
	if err := d.session.MessageReactionRemove(
		m.ChannelID,
		m.ID,
		emoji,
		"@me",
		discordgo.WithContext(ctx),
	); err != nil {
		loggerFromContext(ctx, d.logger).WarnContext(
			ctx,
			"error removing reaction",
			"emoji", emoji,
			tint.Err(err),
		)
	}
}

// sendChannelMessage sends content to the given channel
func (d *Discord) sendChannelMessage(
	ctx context.Context,
	channelID string,
	content string,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(
		channelID,
		shortenString(content, discordMaxMessageLength),
		discordgo.WithContext(ctx),
	)
}

// sendDM opens (or reuses) a DM channel with the user and sends data to it
func (d *Discord) sendDM(
	ctx context.Context,
	userID string,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	channel, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error opening DM channel: %w", err)
	}
	data.Content = shortenString(data.Content, discordMaxMessageLength)
	msg, err := d.session.ChannelMessageSendComplex(
		channel.ID,
		data,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error sending DM: %w", err)
	}
	return msg, nil
}

// roleIDs returns the bot's role IDs in the given guild. Results are
// cached per guild for botRolesTTL. The lock isn't held while fetching,
// and concurrent fetches for the same guild are combined. On a lookup
// failure, any stale cached roles are returned.
func (d *Discord) roleIDs(ctx context.Context, guildID string) []string {
	if guildID == "" {
		return nil
	}
	d.botRolesMu.Lock()
	cached, ok := d.botRoles[guildID]
	d.botRolesMu.Unlock()
	if ok && d.now().Sub(cached.fetchedAt) < botRolesTTL {
		return cached.roles
	}

	rv, err, _ := d.botRolesFetch.Do(
		guildID, func() (any, error) {
			member, err := d.session.GuildMember(
				guildID,
				d.config.ApplicationID,
				discordgo.WithContext(ctx),
			)
			if err != nil {
				return nil, err
			}
			d.setRoleIDs(guildID, member.Roles)
			return member.Roles, nil
		},
	)
	if err != nil {
		loggerFromContext(ctx, d.logger).WarnContext(
			ctx,
			"error getting bot guild member",
			"guild_id", guildID,
			tint.Err(err),
		)
		return cached.roles
	}
	roles, _ := rv.([]string)
	return roles
}

func (d *Discord) setRoleIDs(guildID string, roles []string) {
	d.botRolesMu.Lock()
	defer d.botRolesMu.Unlock()
	d.botRoles[guildID] = guildRoles{roles: roles, fetchedAt: d.now()}
}

// handlerGuildMemberUpdate refreshes the cached roles when the bot's own
// membership changes. Discord only sends these with the GUILD_MEMBERS
// intent. Without it, changes are picked up once the cache expires.
func (d *Discord) handlerGuildMemberUpdate() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m == nil || m.Member == nil || m.User == nil {
			return
		}
		if m.User.ID != d.config.ApplicationID || m.GuildID == "" {
			return
		}
		d.setRoleIDs(m.GuildID, m.Roles)
		d.logger.Debug("bot roles updated", "guild_id", m.GuildID, "roles", m.Roles)
	}
}

// isDiscordNotFound reports whether err is a discord REST 404 (ex: unknown
// channel or user)
func isDiscordNotFound(err error) bool {
	return isDiscordStatus(err, http.StatusNotFound)
}

// isDiscordStatus reports whether err is a discord REST error with the
// given HTTP status
func isDiscordStatus(err error, status int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Response != nil && restErr.Response.StatusCode == status
}

// DiscordSessionHandler defines the subset of `discordgo.Session` methods
// the bot uses, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		content string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds and/or files
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate creates (or returns the existing) DM channel
	// with the given user
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		opts ...discordgo.RequestOption,
	) error

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// GuildMember returns a guild member, which includes their role IDs
	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// HeartbeatLatency returns the latency of the gateway heartbeat
	HeartbeatLatency() time.Duration

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, opts...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(channelID, messageID, emojiID, userID, opts...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, opts...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
