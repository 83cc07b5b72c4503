package stockbot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	CommandVIPAdd       = "vip_add"
	CommandVIPRemove    = "vip_remove"
	CommandVIPList      = "vip_list"
	CommandResetQuota   = "reset_quota"
	CommandExemptAdd    = "exempt_add"
	CommandExemptRemove = "exempt_remove"
	CommandExemptList   = "exempt_list"
	CommandResetLimit   = "reset_limit"
	CommandCleanup      = "cleanup"
	CommandCleanupStats = "cleanup_stats"
	CommandQuota        = "quota"
	CommandPing         = "ping"
	CommandInfo         = "info"
	CommandHelp         = "help"

	defaultExemptReason = "VIP"
	msgPermissionDenied = "❌ 您没有权限使用此命令"
)

// adminCommands maps admin command names (and aliases) to their
// canonical name
var adminCommands = map[string]string{
	CommandVIPAdd:       CommandVIPAdd,
	CommandExemptAdd:    CommandVIPAdd,
	CommandVIPRemove:    CommandVIPRemove,
	CommandExemptRemove: CommandVIPRemove,
	CommandVIPList:      CommandVIPList,
	CommandExemptList:   CommandVIPList,
	CommandResetQuota:   CommandResetQuota,
	CommandResetLimit:   CommandResetQuota,
	CommandCleanup:      CommandCleanup,
	CommandCleanupStats: CommandCleanupStats,
}

var userMentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// prefixCommand is a parsed '!name arg1 arg2' command
type prefixCommand struct {
	Name string
	Args []string
}

// parseCommand returns the first prefixed token in content as a command,
// with the tokens following it as arguments. Names are case-insensitive.
func parseCommand(prefix string, content string) (prefixCommand, bool) {
	fields := strings.Fields(content)
	for i, tok := range fields {
		if len(tok) > len(prefix) && strings.HasPrefix(tok, prefix) {
			return prefixCommand{
				Name: strings.ToLower(strings.TrimPrefix(tok, prefix)),
				Args: fields[i+1:],
			}, true
		}
	}
	return prefixCommand{}, false
}

// parseUserArg extracts a user ID from a mention ('<@123>', '<@!123>')
// or a raw ID, and looks up the username from the message's mentions
func parseUserArg(m *discordgo.Message, arg string) (userID string, username string) {
	userID = arg
	if match := userMentionPattern.FindStringSubmatch(arg); match != nil {
		userID = match[1]
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			username = u.Username
			break
		}
	}
	return userID, username
}

// runCommand executes a prefix command. Unknown commands are ignored.
func (s *StockBot) runCommand(ctx context.Context, m *discordgo.Message) Outcome {
	cmd, ok := parseCommand(s.config.Discord.CommandPrefix, m.Content)
	if !ok {
		return OutcomeIgnored
	}
	user := messageAuthor(m)
	if user == nil {
		return OutcomeIgnored
	}
	logger := loggerFromContext(ctx, s.logger).With("command", cmd.Name)
	ctx = WithLogger(ctx, logger)

	if canonical, isAdminCmd := adminCommands[cmd.Name]; isAdminCmd {
		if !s.config.Discord.IsAdmin(user.ID) {
			logger.WarnContext(ctx, "non-admin attempted admin command", columnUserID, user.ID)
			s.replyAndReact(ctx, m, msgPermissionDenied, false)
			return OutcomeDenied
		}
		return s.runAdminCommand(ctx, m, canonical, cmd.Args)
	}

	var content string
	switch cmd.Name {
	case CommandQuota:
		content = s.quotaMessage(ctx, user.ID)
	case CommandPing:
		content = fmt.Sprintf("🏓 Pong! 延迟: %dms", s.discord.session.HeartbeatLatency().Milliseconds())
	case CommandInfo:
		content = s.infoMessage()
	case CommandHelp:
		content = s.helpMessage()
	default:
		logger.DebugContext(ctx, "ignoring unknown command")
		return OutcomeIgnored
	}
	if _, err := s.discord.reply(ctx, m, content); err != nil {
		logger.ErrorContext(ctx, "error replying to command", tint.Err(err))
		return OutcomeFailed
	}
	return OutcomeSuccess
}

func (s *StockBot) runAdminCommand(
	ctx context.Context,
	m *discordgo.Message,
	name string,
	args []string,
) Outcome {
	prefix := s.config.Discord.CommandPrefix
	admin := messageAuthor(m)

	switch name {
	case CommandVIPList:
		s.replyAndReact(ctx, m, s.exemptListMessage(ctx), true)
		return OutcomeSuccess
	case CommandCleanup:
		return s.runCleanupCommand(ctx, m, args)
	case CommandCleanupStats:
		s.replyAndReact(ctx, m, s.cleanupStatsMessage(), true)
		return OutcomeSuccess
	}

	if len(args) == 0 {
		usage := fmt.Sprintf("❌ 用法: `%s%s <@用户>`", prefix, name)
		if name == CommandVIPAdd {
			usage = fmt.Sprintf("❌ 用法: `%s%s <@用户> [原因]`", prefix, name)
		}
		s.replyAndReact(ctx, m, usage, false)
		return OutcomeInvalid
	}
	userID, username := parseUserArg(m, args[0])

	var ok bool
	var content string
	switch name {
	case CommandVIPAdd:
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = defaultExemptReason
		}
		if s.rateLimiter.IsExempt(ctx, userID) {
			content = fmt.Sprintf("❌ 用户 <@%s> 已在VIP列表中", userID)
			break
		}
		ok = s.rateLimiter.AddExemptUser(ctx, userID, username, reason, admin.ID)
		if ok {
			content = fmt.Sprintf("✅ 已将用户 <@%s> 添加到VIP列表\n原因: %s", userID, reason)
		} else {
			content = fmt.Sprintf("❌ 添加用户 <@%s> 到VIP列表失败", userID)
		}
	case CommandVIPRemove:
		if !s.rateLimiter.IsExempt(ctx, userID) {
			content = fmt.Sprintf("❌ 用户 <@%s> 不在VIP列表中", userID)
			break
		}
		ok = s.rateLimiter.RemoveExemptUser(ctx, userID)
		if ok {
			content = fmt.Sprintf("✅ 已将用户 <@%s> 从VIP列表移除", userID)
		} else {
			content = fmt.Sprintf("❌ 从VIP列表移除用户 <@%s> 失败", userID)
		}
	case CommandResetQuota:
		ok = s.rateLimiter.ResetUserLimit(ctx, userID)
		if ok {
			content = fmt.Sprintf("✅ 已重置用户 <@%s> 的今日请求次数", userID)
		} else {
			content = fmt.Sprintf("❌ 重置用户 <@%s> 的请求次数失败", userID)
		}
	}

	s.replyAndReact(ctx, m, content, ok)
	if !ok {
		return OutcomeFailed
	}
	return OutcomeSuccess
}

// runCleanupCommand handles '!cleanup [days] [#channel]'. Without a
// channel, every monitored channel is cleaned.
func (s *StockBot) runCleanupCommand(
	ctx context.Context,
	m *discordgo.Message,
	args []string,
) Outcome {
	days := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > maxCleanupDays {
			s.replyAndReact(
				ctx,
				m,
				fmt.Sprintf(
					"❌ 用法: `%s%s [天数 1-%d] [#频道]`",
					s.config.Discord.CommandPrefix,
					CommandCleanup,
					maxCleanupDays,
				),
				false,
			)
			return OutcomeInvalid
		}
		days = n
	}
	var channelID string
	if len(args) > 1 {
		channelID = parseChannelArg(args[1])
	}

	s.discord.react(ctx, m, reactionWorking)
	deleted, err := s.cleaner.Cleanup(ctx, channelID, days)
	s.discord.unreact(ctx, m, reactionWorking)

	switch {
	case errors.Is(err, errCleanupInProgress):
		s.replyAndReact(ctx, m, "⚠️ 清理任务正在进行中，请稍后再试", false)
		return OutcomeDenied
	case err != nil:
		loggerFromContext(ctx, s.logger).ErrorContext(ctx, "channel cleanup failed", tint.Err(err))
		s.replyAndReact(ctx, m, fmt.Sprintf("❌ 清理未完成，已删除 %d 条无用消息", deleted), false)
		return OutcomeFailed
	}
	s.replyAndReact(ctx, m, fmt.Sprintf("🧹 清理完成，删除了 %d 条无用消息", deleted), true)
	return OutcomeSuccess
}

func (s *StockBot) cleanupStatsMessage() string {
	stats := s.cleaner.Stats()
	yesNo := func(b bool) string {
		if b {
			return "是"
		}
		return "否"
	}
	lines := []string{
		"🧹 **频道清理状态**",
		fmt.Sprintf("• 每日清理: %s", yesNo(stats.Running)),
		fmt.Sprintf("• 正在清理: %s", yesNo(stats.Cleaning)),
		fmt.Sprintf("• 监控频道: %d", stats.MonitorChannels),
	}
	if !stats.NextCleanup.IsZero() {
		lines = append(
			lines,
			fmt.Sprintf("• 下次清理: %s UTC", stats.NextCleanup.UTC().Format(time.DateTime)),
		)
	}
	if !stats.LastRun.IsZero() {
		lines = append(
			lines,
			fmt.Sprintf(
				"• 上次清理: %s UTC, 删除 %d 条",
				stats.LastRun.UTC().Format(time.DateTime),
				stats.LastDeleted,
			),
		)
	}
	return strings.Join(lines, "\n")
}

// replyAndReact replies with content, then reacts with a success or
// failure emoji
func (s *StockBot) replyAndReact(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	success bool,
) {
	if _, err := s.discord.reply(ctx, m, content); err != nil {
		loggerFromContext(ctx, s.logger).ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
	if success {
		s.discord.react(ctx, m, reactionSuccess)
	} else {
		s.discord.react(ctx, m, reactionFailure)
	}
}

func (s *StockBot) exemptListMessage(ctx context.Context) string {
	users := s.rateLimiter.ListExemptUsers(ctx)
	if users == nil {
		return msgGenericFailure
	}
	if len(users) == 0 {
		return "📋 VIP列表为空"
	}
	lines := []string{fmt.Sprintf("📋 **VIP用户列表** (%d)", len(users))}
	for _, u := range users {
		name := u.Username
		if name == "" {
			name = "<@" + u.UserID + ">"
		}
		lines = append(
			lines,
			fmt.Sprintf(
				"• %s (`%s`) - %s, 添加于 %s",
				name,
				u.UserID,
				u.Reason,
				time.UnixMilli(u.CreatedAt).UTC().Format(time.DateOnly),
			),
		)
	}
	return strings.Join(lines, "\n")
}

func (s *StockBot) quotaMessage(ctx context.Context, userID string) string {
	stats := s.rateLimiter.GetUserStats(ctx, userID)
	if stats == nil {
		return msgGenericFailure
	}
	if stats.Exempt {
		return "👑 您是VIP用户，无使用限制"
	}
	return strings.Join(
		[]string{
			"📊 **今日使用情况**",
			fmt.Sprintf("• 已使用: %d/%d", stats.RequestCount, stats.DailyLimit),
			fmt.Sprintf("• 剩余: %d", stats.Remaining),
			"• 重置时间: UTC 00:00",
		},
		"\n",
	)
}

func (s *StockBot) infoMessage() string {
	return strings.Join(
		[]string{
			"🤖 **StockBot**",
			fmt.Sprintf("• 版本: %s (%s)", Version, CommitSHA),
			fmt.Sprintf("• 运行时间: %s", time.Since(s.startedAt).Truncate(time.Second)),
			fmt.Sprintf("• 每日限制: %d 次", s.rateLimiter.DailyLimit()),
			"• 功能: 股票图表, 趋势预测, 图表分析, 提及转发",
		},
		"\n",
	)
}

func (s *StockBot) helpMessage() string {
	p := s.config.Discord.CommandPrefix
	lines := []string{
		"📖 **使用帮助**",
		"",
		"**股票图表** (监控频道内)",
		"• `AAPL,1h` 或 `NASDAQ:AAPL 1d`",
		"• 时间框架: " + strings.Join(validTimeframes, ", "),
		"",
		"**趋势预测**",
		"• `预测 AAPL` 或 `AAPL trend`",
		"",
		"**图表分析**",
		"• 上传 png/jpg 图表截图",
		"",
		"**命令**",
		fmt.Sprintf("• `%s%s` 查看今日剩余次数", p, CommandQuota),
		fmt.Sprintf("• `%s%s` 检查延迟", p, CommandPing),
		fmt.Sprintf("• `%s%s` 机器人信息", p, CommandInfo),
		"",
		fmt.Sprintf("每位用户每日可使用 %d 次，UTC 00:00 重置。", s.rateLimiter.DailyLimit()),
	}
	return strings.Join(lines, "\n")
}
