package stockbot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgGenericFailure = "❌ 处理请求时发生错误，请稍后再试"
	msgVIPUnlimited   = "👑 VIP用户 - 无限制使用"
)

// quotaTask is a feature whose work is gated by the daily quota
type quotaTask interface {
	Route() Route

	// Perform does the expensive work, returning the success reply
	Perform(ctx context.Context, m *discordgo.Message) (string, error)

	// FailureMessage is the reply sent when Perform fails
	FailureMessage(err error) string
}

// quotaGate runs quota-gated tasks:
//
//  1. check the user's quota, replying with a rate limit message and
//     stopping if it's exhausted
//  2. perform the task
//  3. on success, record the request and reply with the remaining
//     quota. On failure, reply with the task's failure message and
//     record nothing.
//
// The check and the record aren't atomic. See [RateLimiter].
type quotaGate struct {
	limiter *RateLimiter
	discord *Discord
	logger  *slog.Logger
}

func rateLimitMessage(q Quota, dailyLimit int) string {
	return fmt.Sprintf(
		"⏰ 您今日的请求次数已用完 (%d/%d)，请明天再试。每日限制在 UTC 00:00 重置。",
		q.Count,
		dailyLimit,
	)
}

// remainingMessage annotates a success reply with the quota left after
// the request was recorded
func remainingMessage(q Quota, dailyLimit int) string {
	if q.Unlimited {
		return msgVIPUnlimited
	}
	return fmt.Sprintf("📊 今日剩余次数: %d/%d", max(0, q.Remaining-1), dailyLimit)
}

func (g *quotaGate) run(
	ctx context.Context,
	m *discordgo.Message,
	task quotaTask,
) (Outcome, error) {
	user := messageAuthor(m)
	if user == nil {
		return OutcomeIgnored, nil
	}
	logger := loggerFromContext(ctx, g.logger).With("route", string(task.Route()))
	ctx = WithLogger(ctx, logger)

	q := g.limiter.CheckUserLimit(ctx, user.ID, user.Username)
	if !q.Allowed {
		content := rateLimitMessage(q, g.limiter.DailyLimit())
		outcome := OutcomeDenied
		if q.Err != nil {
			content = msgGenericFailure
			outcome = OutcomeFailed
		}
		logger.InfoContext(ctx, "request not allowed", "quota", q)
		if _, err := g.discord.reply(ctx, m, content); err != nil {
			logger.ErrorContext(ctx, "error sending rate limit reply", tint.Err(err))
		}
		g.discord.react(ctx, m, reactionFailure)
		return outcome, q.Err
	}

	g.discord.react(ctx, m, reactionWorking)
	result, err := task.Perform(ctx, m)
	g.discord.unreact(ctx, m, reactionWorking)

	if err != nil {
		logger.ErrorContext(ctx, "task failed, request not recorded", tint.Err(err))
		if _, replyErr := g.discord.reply(ctx, m, task.FailureMessage(err)); replyErr != nil {
			logger.ErrorContext(ctx, "error sending failure reply", tint.Err(replyErr))
		}
		g.discord.react(ctx, m, reactionFailure)
		return OutcomeFailed, err
	}

	if !g.limiter.RecordRequest(ctx, user.ID, user.Username) {
		logger.ErrorContext(ctx, "task succeeded but the request wasn't recorded")
	}

	content := result + "\n\n" + remainingMessage(q, g.limiter.DailyLimit())
	if _, err = g.discord.reply(ctx, m, content); err != nil {
		logger.ErrorContext(ctx, "error sending success reply", tint.Err(err))
	}
	g.discord.react(ctx, m, reactionSuccess)
	return OutcomeSuccess, nil
}
