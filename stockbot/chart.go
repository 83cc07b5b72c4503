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
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	chartLayoutPath   = "v2/tradingview/layout-chart"
	maxChartBytes     = 10 * 1024 * 1024
	maxChartErrorBody = 512
)

var (
	ErrChartUnavailable   = errors.New("chart unavailable")
	ErrInvalidTimeframe   = errors.New("invalid timeframe")
	errNoStockCommand     = errors.New("no stock command found")
	validTimeframes       = []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "12h", "1d", "1w", "1M"}
	chartAPITimeframes    = map[string]string{"1d": "1D", "1w": "1W"}
	discordMentionPattern = regexp.MustCompile(`<@[!&]?\d+>`)
	atNamePattern         = regexp.MustCompile(`@\w+`)

	// stock commands look like 'AAPL,1h', 'AAPL，1h' or 'AAPL 1h', and
	// may include an exchange prefix ('NASDAQ:AAPL,1d')
	stockCommandPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)([A-Z][A-Z:]*[A-Z])[,，]\s*(\d+[smhdwMy])`),
		regexp.MustCompile(`(?i)([A-Z][A-Z:]*[A-Z])\s+(\d+[smhdwMy])`),
	}
)

// ChartRequest is a parsed stock chart command
type ChartRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// stripMentions removes discord mention markup and '@name' tokens
func stripMentions(content string) string {
	content = discordMentionPattern.ReplaceAllString(content, "")
	return strings.TrimSpace(atNamePattern.ReplaceAllString(content, ""))
}

// hasStockCommand reports whether content contains something shaped like
// a stock command, whether or not the timeframe is supported.
func hasStockCommand(content string) bool {
	cleaned := stripMentions(content)
	for _, p := range stockCommandPatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// normalizeTimeframe lowercases the unit of a timeframe, except for 'M'
// (month), which is distinct from 'm' (minute).
func normalizeTimeframe(tf string) string {
	tf = strings.TrimSpace(tf)
	if tf == "" || strings.HasSuffix(tf, "M") {
		return tf
	}
	return strings.ToLower(tf)
}

// ParseStockCommand extracts the symbol and timeframe from a stock command.
// If the command is recognized but the timeframe isn't supported, the
// parsed request is returned along with ErrInvalidTimeframe.
func ParseStockCommand(content string) (ChartRequest, error) {
	cleaned := stripMentions(content)
	for _, p := range stockCommandPatterns {
		match := p.FindStringSubmatch(cleaned)
		if match == nil {
			continue
		}
		req := ChartRequest{
			Symbol:    strings.ToUpper(match[1]),
			Timeframe: normalizeTimeframe(match[2]),
		}
		if !slices.Contains(validTimeframes, req.Timeframe) {
			return req, fmt.Errorf("%w: %s", ErrInvalidTimeframe, match[2])
		}
		return req, nil
	}
	return ChartRequest{}, errNoStockCommand
}

// chartAPITimeframe returns the timeframe as the chart API expects it
func chartAPITimeframe(tf string) (string, bool) {
	tf = normalizeTimeframe(tf)
	if !slices.Contains(validTimeframes, tf) {
		return "", false
	}
	if apiTF, ok := chartAPITimeframes[tf]; ok {
		return apiTF, true
	}
	return tf, true
}

// ChartRenderer returns a rendered chart image for a symbol and timeframe
type ChartRenderer interface {
	GetChart(ctx context.Context, symbol string, timeframe string) ([]byte, error)
}

// ChartClient renders TradingView layout charts via the chart-img API.
// Outbound requests are paced by a token bucket.
type ChartClient struct {
	config  *ChartConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type chartRequestBody struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

func NewChartClient(
	config *ChartConfig,
	client *http.Client,
	logger *slog.Logger,
) *ChartClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChartClient{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
		logger:  logger,
	}
}

func (c *ChartClient) endpoint() (string, error) {
	return url.JoinPath(c.config.BaseURL, chartLayoutPath, c.config.LayoutID)
}

// GetChart requests a chart image. Any non-image or non-200 response is
// reported as ErrChartUnavailable.
func (c *ChartClient) GetChart(
	ctx context.Context,
	symbol string,
	timeframe string,
) ([]byte, error) {
	interval, ok := chartAPITimeframe(timeframe)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeframe, timeframe)
	}
	if c.config.APIKey == "" || c.config.LayoutID == "" {
		return nil, fmt.Errorf("%w: chart API not configured", ErrChartUnavailable)
	}

	qualified := resolveSymbol(symbol)
	logger := loggerFromContext(ctx, c.logger).With(
		"symbol", qualified,
		"interval", interval,
	)

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		chartRequests.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("%w: %w", ErrChartUnavailable, err)
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, fmt.Errorf("error building chart URL: %w", err)
	}

	body, err := json.Marshal(
		chartRequestBody{
			Symbol:   qualified,
			Interval: interval,
			Width:    c.config.Width,
			Height:   c.config.Height,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error encoding chart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating chart request: %w", err)
	}
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("content-type", "application/json")
	if c.config.TradingViewSessionID != "" && c.config.TradingViewSessionIDSign != "" {
		req.Header.Set("tradingview-session-id", c.config.TradingViewSessionID)
		req.Header.Set("tradingview-session-id-sign", c.config.TradingViewSessionIDSign)
	}

	logger.InfoContext(ctx, "requesting chart")
	resp, err := c.client.Do(req)
	if err != nil {
		chartRequests.WithLabelValues("error").Inc()
		logger.ErrorContext(ctx, "chart request failed", tint.Err(err))
		return nil, fmt.Errorf("%w: %w", ErrChartUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxChartErrorBody))
		chartRequests.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		logger.ErrorContext(
			ctx,
			"chart API returned an error",
			"status_code", resp.StatusCode,
			"body", string(errBody),
		)
		return nil, fmt.Errorf("%w: status %d", ErrChartUnavailable, resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "image") {
		chartRequests.WithLabelValues("not_image").Inc()
		logger.ErrorContext(ctx, "chart API returned a non-image response", "content_type", contentType)
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrChartUnavailable, contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChartBytes+1))
	if err != nil {
		chartRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrChartUnavailable, err)
	}
	switch {
	case len(data) == 0:
		chartRequests.WithLabelValues("empty").Inc()
		return nil, fmt.Errorf("%w: empty image", ErrChartUnavailable)
	case len(data) > maxChartBytes:
		chartRequests.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrChartUnavailable, maxChartBytes)
	}

	chartRequests.WithLabelValues("200").Inc()
	logger.InfoContext(ctx, "got chart", "bytes", len(data))
	return data, nil
}
