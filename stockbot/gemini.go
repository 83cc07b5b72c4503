package stockbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
	"google.golang.org/genai"
)

const (
	maxAnalysisImageBytes = 10 * 1024 * 1024
	analysisDisclaimer    = "此分析基于图表识别技术，仅供参考，投资有风险"
	analysisPrompt        = `作为一名专业的股票技术分析师，请分析这张TradingView图表%s。

请提供以下分析内容：
1. **当前趋势** - 图表显示的主要趋势方向和强度
2. **技术指标** - 图中可见指标的信号
3. **支撑阻力位** - 关键价位区域
4. **交易建议** - 简要的操作建议
5. **风险提示** - 潜在风险

请用简洁专业的中文回答，不超过1500字。无法识别的数值请注明需人工确认。`
)

var (
	ErrAnalysisUnavailable = errors.New("image analysis unavailable")
	errEmptyAnalysis       = errors.New("model returned an empty analysis")
)

// ImageAnalyzer analyzes a chart image, optionally for a known symbol
type ImageAnalyzer interface {
	Analyze(ctx context.Context, imageURL string, symbol string) (string, error)
}

// contentGenerator is the subset of [genai.Models] used for analysis
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiAnalyst downloads chart images and asks a Gemini model to
// analyze them. Without an API key, every analysis fails with
// ErrAnalysisUnavailable.
type GeminiAnalyst struct {
	config    *GeminiConfig
	client    *http.Client
	generator contentGenerator
	logger    *slog.Logger
}

func NewGeminiAnalyst(
	ctx context.Context,
	config *GeminiConfig,
	client *http.Client,
	logger *slog.Logger,
) (*GeminiAnalyst, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &GeminiAnalyst{config: config, client: client, logger: logger}
	if config.APIKey == "" {
		logger.WarnContext(ctx, "no gemini API key set, image analysis disabled")
		return g, nil
	}

	genaiClient, err := genai.NewClient(
		ctx, &genai.ClientConfig{
			APIKey:     config.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: client,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	g.generator = genaiClient.Models
	return g, nil
}

func (g *GeminiAnalyst) Analyze(
	ctx context.Context,
	imageURL string,
	symbol string,
) (string, error) {
	if g.generator == nil {
		return "", ErrAnalysisUnavailable
	}
	logger := loggerFromContext(ctx, g.logger).With("symbol", symbol)

	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	data, mimeType, err := g.downloadImage(ctx, imageURL)
	if err != nil {
		logger.ErrorContext(ctx, "error downloading image", tint.Err(err))
		return "", fmt.Errorf("%w: %w", ErrAnalysisUnavailable, err)
	}

	subject := ""
	if symbol != "" {
		subject = fmt.Sprintf("（股票代码: %s）", symbol)
	}
	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				{Text: fmt.Sprintf(analysisPrompt, subject)},
				{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
			},
		},
	}

	logger.InfoContext(ctx, "requesting image analysis", "model", g.config.Model, "bytes", len(data))
	resp, err := g.generator.GenerateContent(ctx, g.config.Model, contents, nil)
	if err != nil {
		logger.ErrorContext(ctx, "gemini request failed", tint.Err(err))
		return "", fmt.Errorf("%w: %w", ErrAnalysisUnavailable, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: %w", ErrAnalysisUnavailable, errEmptyAnalysis)
	}
	return formatAnalysis(symbol, text), nil
}

// downloadImage fetches the image, returning its bytes and MIME type
func (g *GeminiAnalyst) downloadImage(
	ctx context.Context,
	imageURL string,
) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAnalysisImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	switch {
	case len(data) == 0:
		return nil, "", errors.New("empty image")
	case len(data) > maxAnalysisImageBytes:
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxAnalysisImageBytes)
	}

	mimeType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func formatAnalysis(symbol string, text string) string {
	title := "🔍 **图表分析**"
	if symbol != "" {
		title = fmt.Sprintf("🔍 **%s 图表分析**", symbol)
	}
	return strings.Join([]string{title, "", text, "", "⚠️ " + analysisDisclaimer}, "\n")
}
