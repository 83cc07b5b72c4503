package stockbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// chartTask renders a chart and delivers it to the requester by DM.
// A failed DM is a failed task.
type chartTask struct {
	req      ChartRequest
	renderer ChartRenderer
	discord  *Discord
}

func (chartTask) Route() Route {
	return RouteChart
}

func (t chartTask) Perform(ctx context.Context, m *discordgo.Message) (string, error) {
	user := messageAuthor(m)
	if user == nil {
		return "", errors.New("message has no author")
	}
	data, err := t.renderer.GetChart(ctx, t.req.Symbol, t.req.Timeframe)
	if err != nil {
		return "", err
	}
	if _, err = t.discord.sendDM(
		ctx,
		user.ID,
		chartMessage(t.req, fmt.Sprintf("📈 %s %s 技术分析图表", t.req.Symbol, t.req.Timeframe), data),
	); err != nil {
		return "", err
	}
	return fmt.Sprintf("📊 %s %s 图表已生成并发送到您的私信中", t.req.Symbol, t.req.Timeframe), nil
}

func (t chartTask) FailureMessage(err error) string {
	return fmt.Sprintf("❌ 无法获取 %s %s 图表: %s", t.req.Symbol, t.req.Timeframe, userFacingError(err))
}

// chartMessage builds a message with the chart attached as a PNG
func chartMessage(req ChartRequest, content string, data []byte) *discordgo.MessageSend {
	filename := fmt.Sprintf(
		"%s_%s.png",
		strings.ReplaceAll(req.Symbol, ":", "_"),
		req.Timeframe,
	)
	return &discordgo.MessageSend{
		Content: content,
		Files: []*discordgo.File{
			{
				Name:        filename,
				ContentType: "image/png",
				Reader:      bytes.NewReader(data),
			},
		},
	}
}

// predictionTask replies with a trend prediction for a symbol
type predictionTask struct {
	symbol    string
	predictor Predictor
}

func (predictionTask) Route() Route {
	return RoutePrediction
}

func (t predictionTask) Perform(ctx context.Context, _ *discordgo.Message) (string, error) {
	pred, err := t.predictor.Predict(ctx, t.symbol)
	if err != nil {
		return "", err
	}
	return pred.Message(), nil
}

func (t predictionTask) FailureMessage(err error) string {
	return fmt.Sprintf("❌ %s 预测失败: %s", t.symbol, userFacingError(err))
}

// imageAnalysisTask replies with an analysis of an attached chart image
type imageAnalysisTask struct {
	attachment *discordgo.MessageAttachment
	symbol     string
	analyzer   ImageAnalyzer
}

func (imageAnalysisTask) Route() Route {
	return RouteImageAnalysis
}

func (t imageAnalysisTask) Perform(ctx context.Context, _ *discordgo.Message) (string, error) {
	return t.analyzer.Analyze(ctx, t.attachment.URL, t.symbol)
}

func (t imageAnalysisTask) FailureMessage(err error) string {
	if err == ErrAnalysisUnavailable { //nolint:errorlint // unwrapped means not configured
		return "❌ 图表分析功能暂不可用"
	}
	return fmt.Sprintf("❌ 图表分析失败: %s", userFacingError(err))
}

// userFacingError shortens an error for a discord reply. Timeouts get
// a friendlier message.
func userFacingError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "请求超时，请稍后再试"
	}
	return preview(err.Error(), 200)
}

// invalidTimeframeMessage is the format hint for a malformed stock command
func invalidTimeframeMessage(req ChartRequest) string {
	return fmt.Sprintf(
		"❌ 不支持的时间框架: %s\n支持的时间框架: %s\n格式示例: `AAPL,1h` 或 `NASDAQ:AAPL 1d`",
		req.Timeframe,
		strings.Join(validTimeframes, ", "),
	)
}

// stockHintMessage is sent when a stock command is sent outside any
// monitored channel
func stockHintMessage(channelIDs []string) string {
	if len(channelIDs) == 0 {
		return "ℹ️ 图表功能尚未开放，请联系管理员配置监控频道"
	}
	channels := make([]string, 0, len(channelIDs))
	for _, id := range channelIDs {
		channels = append(channels, "<#"+id+">")
	}
	return "ℹ️ 图表请求请在以下频道发送: " + strings.Join(channels, " ")
}
