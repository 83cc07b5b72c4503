package stockbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	maxCleanupDays          = 30
	channelMessagesPageSize = 100
	minMeaningfulRunes      = 3
)

var (
	errCleanupInProgress = errors.New("a channel cleanup is already in progress")
	errCleanupNoContent  = errors.New("channel cleanup requires the message content intent")
)

var (
	// automated status notices (n8n, CI and the like)
	noisePatterns = compileFoldedPatterns(
		`completed.*workflow`,
		`workflow.*started`,
		`workflow.*stopped`,
		`deployment.*successful`,
		`build.*completed`,
		`test.*passed`,
		`error.*resolved`,
		`backup.*created`,
		`maintenance.*complete`,
		`update.*installed`,
		`restart.*completed`,
		`sync.*finished`,
		`job.*finished`,
		`process.*completed`,
		`operation.*successful`,
		`task.*done`,
		`status.*ok`,
		`health.*check.*passed`,
		`connection.*established`,
		`service.*online`,
		`system.*ready`,
		`完成|成功|失败|错误|警告`,
		`\b(completed|finished|done|success|failed|error|warning)\b`,
	)

	// messages matching these are never noise, even if a noise pattern
	// also matches
	keepPatterns = compileFoldedPatterns(
		`[a-z]{2,5}[,，]\s*\d+[smhdwy]`,
		`预测.*趋势`,
		`分析.*图表`,
		`问题`,
		`疑问`,
		`怎么`,
		`如何`,
		`@`,
	)

	emojiOnlyPattern = regexp.MustCompile(
		`^[\x{1F600}-\x{1F64F}\x{1F3AF}-\x{1F3B2}\x{1F3C0}-\x{1F3C8}\x{26BD}\x{1F697}-\x{1F699}\x{1F6E9}-\x{1F6EB}\x{FE0F}]+$`,
	)

	meaninglessReplies = []string{
		"ok", "okay", "好的", "收到", "了解", "明白",
		"got it", "thanks", "谢谢", "thx",
	}

	channelMentionPattern = regexp.MustCompile(`^<#(\d+)>$`)
)

func compileFoldedPatterns(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		patterns = append(patterns, regexp.MustCompile("(?i)"+expr))
	}
	return patterns
}

// ChannelCleaner deletes noise from monitored channels: automated status
// notices, bare acknowledgements and emoji-only messages. The bot's own
// messages, pinned messages and messages with attachments are kept.
//
// A daily cleanup of the previous 24 hours runs at [CleanupConfig.Hour]
// UTC once [ChannelCleaner.Start] is called. Only one cleanup, daily or
// manual, runs at a time.
type ChannelCleaner struct {
	config        *CleanupConfig
	discordConfig *DiscordConfig
	discord       *Discord
	logger        *slog.Logger

	// matches this bot's own commands, which are kept
	commandPattern *regexp.Regexp
	// paces message deletion
	limiter *rate.Limiter

	now       func() time.Time
	untilNext func(now time.Time) time.Duration

	cleaning atomic.Bool
	running  atomic.Bool

	mu          sync.Mutex
	done        chan struct{}
	lastRun     time.Time
	lastDeleted int
}

// CleanupStats describes the state of a [ChannelCleaner]
type CleanupStats struct {
	Enabled         bool      `json:"enabled"`
	Running         bool      `json:"running"`
	Cleaning        bool      `json:"cleaning"`
	MonitorChannels int       `json:"monitor_channels"`
	NextCleanup     time.Time `json:"next_cleanup,omitempty"`
	LastRun         time.Time `json:"last_run,omitempty"`
	LastDeleted     int       `json:"last_deleted"`
}

func NewChannelCleaner(
	config *CleanupConfig,
	discordConfig *DiscordConfig,
	discord *Discord,
	logger *slog.Logger,
) *ChannelCleaner {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.DeleteInterval > 0 {
		limit = rate.Every(config.DeleteInterval)
	}
	c := &ChannelCleaner{
		config:        config,
		discordConfig: discordConfig,
		discord:       discord,
		logger:        logger,
		commandPattern: regexp.MustCompile(
			"(?i)" + regexp.QuoteMeta(discordConfig.CommandPrefix) + "(vip|quota|help)",
		),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
	c.untilNext = func(now time.Time) time.Duration {
		return c.nextRun(now).Sub(now)
	}
	return c
}

// Start runs the daily cleanup in the background until ctx is canceled.
// Calling Start while the daily cleanup is running does nothing.
func (c *ChannelCleaner) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer c.running.Store(false)
		c.loop(ctx)
	}()
}

// Wait blocks until the daily cleanup loop has exited. It returns
// immediately if Start was never called.
func (c *ChannelCleaner) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *ChannelCleaner) loop(ctx context.Context) {
	c.logger.InfoContext(ctx, "daily channel cleanup started", "hour_utc", c.config.Hour)
	for {
		wait := c.untilNext(c.now())
		c.logger.DebugContext(ctx, "next channel cleanup scheduled", "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.InfoContext(ctx, "daily channel cleanup stopped")
			return
		case <-timer.C:
		}
		if _, err := c.Cleanup(ctx, "", 1); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "daily channel cleanup failed", tint.Err(err))
		}
	}
}

// nextRun returns the next time the daily cleanup is due, after now
func (c *ChannelCleaner) nextRun(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), c.config.Hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Cleanup deletes noise posted in the last `days` days to channelID, or
// to every monitored channel when channelID is empty. It returns the
// number of messages deleted, which may be non-zero alongside an error.
func (c *ChannelCleaner) Cleanup(ctx context.Context, channelID string, days int) (int, error) {
	if days < 1 || days > maxCleanupDays {
		return 0, fmt.Errorf("days must be between 1 and %d, got %d", maxCleanupDays, days)
	}
	// without message content every message looks empty, and empty
	// messages are noise
	if c.discordConfig.GatewayIntents&discordgo.IntentMessageContent == 0 {
		return 0, errCleanupNoContent
	}
	if !c.cleaning.CompareAndSwap(false, true) {
		return 0, errCleanupInProgress
	}
	defer c.cleaning.Store(false)

	channelIDs := c.discordConfig.MonitorChannelIDs
	if channelID != "" {
		channelIDs = []string{channelID}
	}
	logger := loggerFromContext(ctx, c.logger)
	since := c.now().Add(-time.Duration(days) * 24 * time.Hour)
	start := time.Now()

	var total int
	var errs []error
	for _, id := range channelIDs {
		deleted, err := c.cleanChannel(ctx, id, since)
		total += deleted
		if err != nil {
			logger.ErrorContext(ctx, "error cleaning channel", "channel_id", id, tint.Err(err))
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	cleanupDeletedMessages.Add(float64(total))
	c.mu.Lock()
	c.lastRun = c.now()
	c.lastDeleted = total
	c.mu.Unlock()

	logger.InfoContext(
		ctx,
		"channel cleanup finished",
		"deleted", total,
		"channels", len(channelIDs),
		"days", days,
		"duration", time.Since(start),
	)
	return total, errors.Join(errs...)
}

// cleanChannel walks the channel's history back to since, newest first,
// deleting noise. At most [CleanupConfig.MaxMessages] are examined.
func (c *ChannelCleaner) cleanChannel(ctx context.Context, channelID string, since time.Time) (int, error) {
	logger := loggerFromContext(ctx, c.logger).With("channel_id", channelID)
	session := c.discord.session

	var deleted, scanned int
	var before string
	for scanned < c.config.MaxMessages {
		limit := min(channelMessagesPageSize, c.config.MaxMessages-scanned)
		msgs, err := session.ChannelMessages(
			channelID, limit, before, "", "", discordgo.WithContext(ctx),
		)
		if err != nil {
			return deleted, fmt.Errorf("error listing messages: %w", err)
		}

		for _, m := range msgs {
			if m.Timestamp.Before(since) {
				return deleted, nil
			}
			scanned++
			if !c.isDeletable(m) {
				continue
			}
			if err = c.limiter.Wait(ctx); err != nil {
				return deleted, err
			}
			err = session.ChannelMessageDelete(channelID, m.ID, discordgo.WithContext(ctx))
			switch {
			case err == nil:
				deleted++
				logger.DebugContext(
					ctx, "deleted message",
					"message_id", m.ID,
					"content", preview(m.Content, 50),
				)
			case isDiscordNotFound(err):
				logger.DebugContext(ctx, "message already deleted", "message_id", m.ID)
			case isDiscordStatus(err, http.StatusForbidden):
				return deleted, fmt.Errorf("missing permission to delete messages: %w", err)
			default:
				logger.ErrorContext(ctx, "error deleting message", "message_id", m.ID, tint.Err(err))
			}
		}

		if len(msgs) < limit {
			break
		}
		before = msgs[len(msgs)-1].ID
	}
	return deleted, nil
}

func (c *ChannelCleaner) isDeletable(m *discordgo.Message) bool {
	if m.Pinned || len(m.Attachments) > 0 {
		return false
	}
	if m.Author != nil && m.Author.ID == c.discordConfig.ApplicationID {
		return false
	}
	return c.isNoise(m.Content)
}

// isNoise reports whether a message's content carries nothing worth
// keeping in a monitored channel
func (c *ChannelCleaner) isNoise(content string) bool {
	content = strings.ToLower(strings.TrimSpace(content))
	if utf8.RuneCountInString(content) < minMeaningfulRunes {
		return true
	}
	if c.commandPattern.MatchString(content) {
		return false
	}
	for _, p := range keepPatterns {
		if p.MatchString(content) {
			return false
		}
	}
	for _, p := range noisePatterns {
		if p.MatchString(content) {
			return true
		}
	}
	if emojiOnlyPattern.MatchString(content) {
		return true
	}
	return slices.Contains(meaninglessReplies, content)
}

func (c *ChannelCleaner) Stats() CleanupStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CleanupStats{
		Enabled:         c.config.Enabled,
		Running:         c.running.Load(),
		Cleaning:        c.cleaning.Load(),
		MonitorChannels: len(c.discordConfig.MonitorChannelIDs),
		LastRun:         c.lastRun,
		LastDeleted:     c.lastDeleted,
	}
	if stats.Running {
		stats.NextCleanup = c.nextRun(c.now())
	}
	return stats
}

// parseChannelArg accepts a channel mention (<#123>) or a bare channel ID
func parseChannelArg(arg string) string {
	if m := channelMentionPattern.FindStringSubmatch(arg); m != nil {
		return m[1]
	}
	return arg
}
