package stockbot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough of a PNG for content sniffing
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubChartRenderer struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (c *stubChartRenderer) GetChart(_ context.Context, _ string, _ string) ([]byte, error) {
	c.calls.Add(1)
	return c.data, c.err
}

type stubAnalyzer struct {
	result   string
	err      error
	imageURL string
	symbol   string
	mu       sync.Mutex
}

func (a *stubAnalyzer) Analyze(_ context.Context, imageURL string, symbol string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imageURL = imageURL
	a.symbol = symbol
	return a.result, a.err
}

type panicPredictor struct{}

func (panicPredictor) Predict(context.Context, string) (*Prediction, error) {
	panic("predictor exploded")
}

// newTestStockBot returns a bot with an initialized SQLite database, a
// recording discord session and a stub chart renderer
func newTestStockBot(t testing.TB) (*StockBot, *mockDiscordSession) {
	t.Helper()
	ctx := context.Background()
	cfg := DefaultTestConfig(t)

	s, err := New(cfg)
	require.NoError(t, err)

	db, err := CreateDB(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	s.db = db
	require.NoError(t, s.initRun(ctx))

	session := newMockDiscordSession()
	s.discord.session = session
	s.chart = &stubChartRenderer{data: pngHeader}
	s.startedAt = time.Now()
	return s, session
}

func newUserMessage(id string, channelID string, userID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        id,
			ChannelID: channelID,
			GuildID:   testGuildID,
			Content:   content,
			Timestamp: time.Now(),
			Author: &discordgo.User{
				ID:       userID,
				Username: "user_" + userID,
			},
		},
	}
}

// newMentionMessage returns a message mentioning the bot
func newMentionMessage(id string, channelID string, userID string, content string) *discordgo.MessageCreate {
	m := newUserMessage(id, channelID, userID, "<@"+testApplicationID+"> "+content)
	m.Mentions = []*discordgo.User{{ID: testApplicationID, Username: "stockbot", Bot: true}}
	return m
}

func messageLogs(t testing.TB, s *StockBot) []MessageLog {
	t.Helper()
	var logs []MessageLog
	require.NoError(t, s.db.Order("id asc").Find(&logs).Error)
	return logs
}

func requestCount(t testing.TB, s *StockBot, userID string) int {
	t.Helper()
	stats := s.rateLimiter.GetUserStats(context.Background(), userID)
	require.NotNil(t, stats)
	return stats.RequestCount
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestHandleDiscordMessage_ChartSuccess(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	ctx := context.Background()

	m := newUserMessage("msg-1", testChannelID, "u1", "AAPL,1h")
	s.handleDiscordMessage(ctx, m)

	dms := session.dms()
	require.Len(t, dms, 1)
	assert.Equal(t, "dm-u1", dms[0].ChannelID)
	require.Len(t, dms[0].Files, 1)
	assert.Equal(t, "AAPL_1h.png", dms[0].Files[0].Name)
	assert.Contains(t, dms[0].Content, "AAPL 1h")

	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "msg-1", replies[0].ReplyTo)
	assert.Contains(t, replies[0].Content, "图表已生成")
	assert.Contains(t, replies[0].Content, "今日剩余次数: 2/3")

	assert.Equal(t, []string{reactionWorking, reactionSuccess}, session.addedReactions("msg-1"))
	assert.Equal(t, []string{reactionWorking}, session.removedReactions("msg-1"))
	assert.Equal(t, 1, requestCount(t, s, "u1"))

	logs := messageLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, RouteChart, logs[0].Route)
	assert.Equal(t, OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, "u1", logs[0].UserID)
	assert.NotEmpty(t, logs[0].CorrelationID)
}

func TestHandleDiscordMessage_ChartFailureNotRecorded(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	ctx := context.Background()
	s.chart = &stubChartRenderer{err: ErrChartUnavailable}

	m := newUserMessage("msg-1", testChannelID, "u1", "TSLA 4h")
	s.handleDiscordMessage(ctx, m)

	assert.Empty(t, session.dms())
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "无法获取 TSLA 4h 图表")
	assert.Contains(t, session.addedReactions("msg-1"), reactionFailure)
	assert.NotContains(t, session.addedReactions("msg-1"), reactionSuccess)

	assert.Equal(t, 0, requestCount(t, s, "u1"))

	logs := messageLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeFailed, logs[0].Outcome)
	assert.NotEmpty(t, logs[0].Error)
}

func TestHandleDiscordMessage_FailedDMNotRecorded(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	session.UserChannelErr = errors.New("cannot send messages to this user")

	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-1", testChannelID, "u1", "AAPL,1d"),
	)

	assert.Equal(t, 0, requestCount(t, s, "u1"))
	assert.Contains(t, session.addedReactions("msg-1"), reactionFailure)
}

func TestHandleDiscordMessage_RateLimited(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	ctx := context.Background()
	chart := &stubChartRenderer{data: pngHeader}
	s.chart = chart

	for i := 0; i < s.config.RateLimit.DailyLimit; i++ {
		require.True(t, s.rateLimiter.RecordRequest(ctx, "u1", "user_u1"))
	}

	s.handleDiscordMessage(ctx, newUserMessage("msg-1", testChannelID, "u1", "AAPL,1h"))

	assert.Equal(t, int32(0), chart.calls.Load())
	assert.Empty(t, session.dms())
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "⏰")
	assert.Contains(t, replies[0].Content, "(3/3)")
	assert.Equal(t, []string{reactionFailure}, session.addedReactions("msg-1"))
	assert.Equal(t, 3, requestCount(t, s, "u1"))

	logs := messageLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeDenied, logs[0].Outcome)
}

func TestHandleDiscordMessage_ExemptUserUnlimited(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	ctx := context.Background()

	require.True(t, s.rateLimiter.AddExemptUser(ctx, "vip", "vip_user", "VIP", testAdminID))
	for i := 0; i < s.config.RateLimit.DailyLimit+2; i++ {
		require.True(t, s.rateLimiter.RecordRequest(ctx, "vip", "vip_user"))
	}

	s.handleDiscordMessage(ctx, newUserMessage("msg-1", testChannelID, "vip", "AAPL,1h"))

	require.Len(t, session.dms(), 1)
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, msgVIPUnlimited)
	assert.Contains(t, session.addedReactions("msg-1"), reactionSuccess)
}

func TestHandleDiscordMessage_InvalidTimeframe(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	chart := &stubChartRenderer{data: pngHeader}
	s.chart = chart

	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-1", testChannelID, "u1", "AAPL,3h"),
	)

	assert.Equal(t, int32(0), chart.calls.Load())
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "不支持的时间框架: 3h")
	assert.Equal(t, []string{reactionFailure}, session.addedReactions("msg-1"))
	assert.Equal(t, 0, requestCount(t, s, "u1"))

	logs := messageLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeInvalid, logs[0].Outcome)
}

func TestHandleDiscordMessage_StockHint(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	s.handleDiscordMessage(
		context.Background(),
		newMentionMessage("msg-1", "elsewhere", "u1", "AAPL,1h"),
	)

	assert.Empty(t, session.dms())
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "<#"+testChannelID+">")
	assert.Equal(t, 0, requestCount(t, s, "u1"))
}

func TestHandleDiscordMessage_MentionInMonitoredChannelCharts(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	s.handleDiscordMessage(
		context.Background(),
		newMentionMessage("msg-1", testChannelID, "u1", "NASDAQ:AAPL 1d"),
	)

	dms := session.dms()
	require.Len(t, dms, 1)
	assert.Equal(t, "NASDAQ_AAPL_1d.png", dms[0].Files[0].Name)
}

func TestHandleDiscordMessage_Prediction(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-1", testChannelID, "u1", "预测 NVDA"),
	)

	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "NVDA 股票趋势预测分析")
	assert.Contains(t, replies[0].Content, "今日剩余次数: 2/3")
	assert.Equal(t, 1, requestCount(t, s, "u1"))
}

func TestHandleDiscordMessage_ImageAnalysis(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	analyzer := &stubAnalyzer{result: "🔍 **AAPL 图表分析**\n\nbullish"}
	s.analyzer = analyzer

	m := newMentionMessage("msg-1", "elsewhere", "u1", "what about AAPL")
	m.Attachments = []*discordgo.MessageAttachment{
		{
			ID:       "att-1",
			Filename: "notes.txt",
			URL:      "https://cdn.example.com/notes.txt",
			Size:     10,
		},
		{
			ID:       "att-2",
			Filename: "chart.PNG",
			URL:      "https://cdn.example.com/chart.PNG",
			Size:     2048,
		},
	}
	s.handleDiscordMessage(context.Background(), m)

	assert.Equal(t, "https://cdn.example.com/chart.PNG", analyzer.imageURL)
	assert.Equal(t, "AAPL", analyzer.symbol)
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "bullish")
	assert.Equal(t, 1, requestCount(t, s, "u1"))
}

func TestHandleDiscordMessage_ImageAnalysisUnavailable(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	m := newUserMessage("msg-1", testChannelID, "u1", "")
	m.Attachments = []*discordgo.MessageAttachment{
		{ID: "att-1", Filename: "chart.png", URL: "https://cdn.example.com/chart.png", Size: 2048},
	}
	s.handleDiscordMessage(context.Background(), m)

	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "图表分析功能暂不可用")
	assert.Equal(t, 0, requestCount(t, s, "u1"))
}

func TestHandleDiscordMessage_MentionForward(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	received := make(chan WebhookPayload, 1)
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				var payload WebhookPayload
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				received <- payload
				w.WriteHeader(http.StatusOK)
			},
		),
	)
	t.Cleanup(srv.Close)
	s.config.Webhook.URL = srv.URL

	s.handleDiscordMessage(
		context.Background(),
		newMentionMessage("msg-1", "elsewhere", "u1", "hello there"),
	)

	select {
	case payload := <-received:
		assert.Equal(t, webhookEventMention, payload.EventType)
		assert.Equal(t, "msg-1", payload.Data.Message.ID)
		assert.Contains(t, payload.Data.Message.Content, "hello there")
		assert.Equal(t, "u1", payload.Data.Author.ID)
		assert.Equal(t, testApplicationID, payload.Metadata.BotID)
	default:
		t.Fatal("webhook not called")
	}

	assert.Empty(t, session.replies())
	assert.Equal(t, []string{reactionSuccess}, session.addedReactions("msg-1"))
	assert.Equal(t, 0, requestCount(t, s, "u1"))

	logs := messageLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, RouteMentionForward, logs[0].Route)
	assert.Equal(t, OutcomeSuccess, logs[0].Outcome)
}

func TestHandleDiscordMessage_MentionForwardFails(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(http.StatusBadGateway)
			},
		),
	)
	t.Cleanup(srv.Close)
	s.config.Webhook.URL = srv.URL

	s.handleDiscordMessage(
		context.Background(),
		newMentionMessage("msg-1", "elsewhere", "u1", "hello there"),
	)

	assert.Equal(t, int32(s.config.Webhook.MaxRetries), attempts.Load())
	assert.Empty(t, session.replies())
	assert.Equal(t, []string{reactionFailure}, session.addedReactions("msg-1"))
}

func TestHandleDiscordMessage_IgnoresBots(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	ctx := context.Background()

	m := newUserMessage("msg-1", testChannelID, "other-bot", "AAPL,1h")
	m.Author.Bot = true
	s.handleDiscordMessage(ctx, m)

	self := newUserMessage("msg-2", testChannelID, testApplicationID, "AAPL,1h")
	s.handleDiscordMessage(ctx, self)

	assert.Empty(t, session.replies())
	assert.Empty(t, session.dms())
	assert.Empty(t, messageLogs(t, s))
}

func TestHandleDiscordMessage_UnroutedNotLogged(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-1", "elsewhere", "u1", "AAPL,1h"),
	)
	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-2", testChannelID, "u1", "good morning"),
	)

	assert.Empty(t, session.replies())
	assert.Empty(t, messageLogs(t, s))
}

func TestHandleDiscordMessage_RoleMention(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	botRole := "500000000000000005"
	session.GuildMemberRoles = []string{botRole}

	m := newUserMessage("msg-1", "elsewhere", "u1", "<@&"+botRole+"> AAPL,1h")
	m.MentionRoles = []string{botRole}
	s.handleDiscordMessage(context.Background(), m)

	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "<#"+testChannelID+">")
}

func TestHandleDiscordMessage_RecoversPanic(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	s.predictor = panicPredictor{}

	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-1", testChannelID, "u1", "AAPL trend"),
	)

	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, msgGenericFailure, replies[0].Content)
	assert.Contains(t, session.addedReactions("msg-1"), reactionFailure)
	assert.Equal(t, 0, requestCount(t, s, "u1"))

	logs := messageLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeFailed, logs[0].Outcome)
	assert.Contains(t, logs[0].Error, "predictor exploded")
}

func TestHandleDiscordMessage_StorageFailureDenies(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	chart := &stubChartRenderer{data: pngHeader}
	s.chart = chart

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	s.handleDiscordMessage(
		context.Background(),
		newUserMessage("msg-1", testChannelID, "u1", "AAPL,1h"),
	)

	assert.Equal(t, int32(0), chart.calls.Load())
	replies := session.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, msgGenericFailure, replies[0].Content)
}

func TestHandleDiscordMessage_ConcurrentRequests(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	ctx := context.Background()

	wg := sync.WaitGroup{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDiscordMessage(
				ctx,
				newUserMessage("msg-"+strings.Repeat("x", i+1), testChannelID, "u1", "AAPL,1h"),
			)
		}()
	}
	wg.Wait()

	// both were within the limit when checked, so both are recorded
	assert.Len(t, session.dms(), 2)
	assert.Equal(t, 2, requestCount(t, s, "u1"))
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	s, _ := newTestStockBot(t)
	ctx := WithLogger(context.Background(), s.logger)

	assert.NotPanics(
		t, func() {
			s.handleRecover(ctx, "string panic")
			s.handleRecover(ctx, errors.New("error panic"))
			s.handleRecover(ctx, 42)
		},
	)
}

func TestStockBot_RunAndStop(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	s.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	select {
	case <-s.signalReady:
	case <-ctx.Done():
		t.Fatal("bot not ready before timeout")
	}
	require.NotNil(t, s.rateLimiter)

	s.Stop()

	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("bot did not shut down before timeout")
	}
}

func TestStockBot_RunStartsCleaner(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Cleanup.Enabled = true
	s, err := New(cfg)
	require.NoError(t, err)
	s.discord.session = newMockDiscordSession()
	assert.False(t, s.cleaner.Stats().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	select {
	case <-s.signalReady:
	case <-ctx.Done():
		t.Fatal("bot not ready before timeout")
	}
	stats := s.cleaner.Stats()
	assert.True(t, stats.Running)
	assert.True(t, stats.Enabled)

	s.Stop()

	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("bot did not shut down before timeout")
	}
	assert.False(t, s.cleaner.Stats().Running)
}

func TestStockBot_RunInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	cfg.Discord.Token = ""

	err = s.Run(context.Background())
	require.Error(t, err)
}
