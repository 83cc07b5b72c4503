package stockbot

import (
	"context"
	"crypto/md5" //nolint:gosec // only used to seed sample data
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	trendInsufficient = "数据不足"
	trendUp           = "上升趋势"
	trendDown         = "下降趋势"
	trendSideways     = "横盘整理"

	sentimentNeutral = "中性"
	sentimentBullish = "看涨"
	sentimentBearish = "看跌"

	riskHigh   = "高"
	riskMedium = "中等"
	riskLow    = "低"

	signalBuy  = "买入信号"
	signalSell = "卖出信号"

	rsiPeriod     = 14
	rsiOversold   = 30.0
	rsiOverbought = 70.0

	predictionSamplePoints = 15
	predictionDisclaimer   = "此预测仅供参考，投资有风险，决策需谨慎"
)

var (
	predictionKeywords = []string{
		"预测", "predict", "趋势", "trend", "分析", "analysis", "预测分析", "走势预测",
	}
	tickerPattern = regexp.MustCompile(`\b[A-Z]{2,}\b`)
)

// hasPredictionCommand reports whether content has a prediction keyword
// and something that looks like a ticker
func hasPredictionCommand(content string) bool {
	lower := strings.ToLower(content)
	hasKeyword := false
	for _, kw := range predictionKeywords {
		if strings.Contains(lower, kw) {
			hasKeyword = true
			break
		}
	}
	return hasKeyword && extractTicker(content) != ""
}

// extractTicker returns the first token of two or more uppercase letters,
// ignoring discord mention markup
func extractTicker(content string) string {
	return tickerPattern.FindString(stripMentions(content))
}

// Predictor produces a trend prediction for a symbol
type Predictor interface {
	Predict(ctx context.Context, symbol string) (*Prediction, error)
}

// TrendAnalysis compares short and long moving averages of a price series
type TrendAnalysis struct {
	Trend       string  `json:"trend"`
	Confidence  float64 `json:"confidence"`
	PriceChange float64 `json:"price_change"`
	ShortAvg    float64 `json:"short_avg"`
	LongAvg     float64 `json:"long_avg"`
}

type TradingSignal struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Strength string `json:"strength"`
}

type Prediction struct {
	Symbol         string          `json:"symbol"`
	AnalysisTime   time.Time       `json:"analysis_time"`
	Trend          TrendAnalysis   `json:"trend_analysis"`
	RSI            *float64        `json:"rsi,omitempty"`
	RSIStatus      string          `json:"rsi_status"`
	Signals        []TradingSignal `json:"signals"`
	Sentiment      string          `json:"overall_sentiment"`
	RiskLevel      string          `json:"risk_level"`
	Recommendation string          `json:"recommendation"`
	Disclaimer     string          `json:"disclaimer"`
}

// HeuristicPredictor generates predictions from a deterministic sample
// price series derived from the symbol. It makes no network calls.
type HeuristicPredictor struct {
	now func() time.Time
}

func NewHeuristicPredictor() *HeuristicPredictor {
	return &HeuristicPredictor{now: time.Now}
}

func (p *HeuristicPredictor) Predict(ctx context.Context, symbol string) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	prices := samplePrices(symbol)
	trend := analyzePriceTrend(prices)
	pred := &Prediction{
		Symbol:       symbol,
		AnalysisTime: p.now().UTC(),
		Trend:        trend,
		RSIStatus:    trendInsufficient,
		Disclaimer:   predictionDisclaimer,
	}
	if rsi, ok := calculateRSI(prices, rsiPeriod); ok {
		pred.RSI = &rsi
		pred.RSIStatus = rsiStatus(rsi)
	}
	pred.Signals, pred.Sentiment, pred.RiskLevel = tradingSignals(trend, pred.RSI)
	pred.Recommendation = recommendation(trend, pred.Sentiment, pred.RiskLevel)
	return pred, nil
}

// samplePrices returns a deterministic price series seeded from the
// md5 of the symbol
func samplePrices(symbol string) []float64 {
	sum := md5.Sum([]byte(symbol)) //nolint:gosec // not used for security
	seedVal, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	seed := int(seedVal % 1000)

	prices := make([]float64, 0, predictionSamplePoints)
	prices = append(prices, 100+float64(seed)/10)
	for i := 0; i < predictionSamplePoints-1; i++ {
		change := float64((seed+i*13)%41-20) / 100
		trend := math.Sin(float64(i)*0.3) * 0.05
		next := prices[len(prices)-1] * (1 + change + trend)
		prices = append(prices, math.Max(next, 1))
	}
	return prices
}

func analyzePriceTrend(prices []float64) TrendAnalysis {
	if len(prices) < 5 {
		return TrendAnalysis{Trend: trendInsufficient}
	}
	n := len(prices)
	shortAvg := (prices[n-1] + prices[n-2] + prices[n-3]) / 3
	longAvg := (prices[n-1] + prices[n-2] + prices[n-3] + prices[n-4] + prices[n-5]) / 5
	change := (prices[n-1] - prices[0]) / prices[0] * 100

	ta := TrendAnalysis{PriceChange: change, ShortAvg: shortAvg, LongAvg: longAvg}
	switch {
	case shortAvg > longAvg*1.02:
		ta.Trend = trendUp
		ta.Confidence = math.Min(85, math.Abs(change)*10)
	case shortAvg < longAvg*0.98:
		ta.Trend = trendDown
		ta.Confidence = math.Min(85, math.Abs(change)*10)
	default:
		ta.Trend = trendSideways
		ta.Confidence = 60
	}
	return ta
}

// calculateRSI returns the simple-average RSI over the last period deltas
func calculateRSI(prices []float64, period int) (float64, bool) {
	if len(prices) < period+1 {
		return 0, false
	}
	var gains, losses float64
	for i := len(prices) - period; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	return 100 - 100/(1+avgGain/avgLoss), true
}

func rsiStatus(rsi float64) string {
	switch {
	case rsi < 30:
		return "超卖区间，可能反弹"
	case rsi > 70:
		return "超买区间，可能回调"
	case rsi < 40:
		return "偏弱，需观察支撑"
	case rsi > 60:
		return "偏强，需注意阻力"
	default:
		return "中性区间，震荡为主"
	}
}

func tradingSignals(
	trend TrendAnalysis,
	rsi *float64,
) (signals []TradingSignal, sentiment string, risk string) {
	sentiment = sentimentNeutral
	switch {
	case trend.Trend == trendUp && trend.Confidence > 70:
		signals = append(signals, TradingSignal{
			Type:     signalBuy,
			Reason:   fmt.Sprintf("价格呈现强劲上升趋势，信心度%.1f%%", trend.Confidence),
			Strength: "强",
		})
		sentiment = sentimentBullish
	case trend.Trend == trendDown && trend.Confidence > 70:
		signals = append(signals, TradingSignal{
			Type:     signalSell,
			Reason:   fmt.Sprintf("价格呈现明显下降趋势，信心度%.1f%%", trend.Confidence),
			Strength: "强",
		})
		sentiment = sentimentBearish
	}

	if rsi != nil {
		switch {
		case *rsi < rsiOversold:
			signals = append(signals, TradingSignal{
				Type:     signalBuy,
				Reason:   fmt.Sprintf("RSI指标%.1f显示超卖，可能反弹", *rsi),
				Strength: "中",
			})
		case *rsi > rsiOverbought:
			signals = append(signals, TradingSignal{
				Type:     signalSell,
				Reason:   fmt.Sprintf("RSI指标%.1f显示超买，可能回调", *rsi),
				Strength: "中",
			})
		}
	}

	change := math.Abs(trend.PriceChange)
	switch {
	case change > 10:
		risk = riskHigh
	case change > 5:
		risk = riskMedium
	default:
		risk = riskLow
	}
	return signals, sentiment, risk
}

func recommendation(trend TrendAnalysis, sentiment string, risk string) string {
	switch {
	case sentiment == sentimentBullish && trend.Confidence > 75:
		return fmt.Sprintf("建议：考虑逢低买入。当前%s明显，但请控制仓位，风险等级：%s", trend.Trend, risk)
	case sentiment == sentimentBearish && trend.Confidence > 75:
		return fmt.Sprintf("建议：考虑减仓或止损。当前%s明显，请注意风险管理，风险等级：%s", trend.Trend, risk)
	default:
		return fmt.Sprintf("建议：保持观望或小仓位操作。当前市场%s，建议等待明确方向，风险等级：%s", trend.Trend, risk)
	}
}

// Message renders the prediction as discord markdown
func (p Prediction) Message() string {
	lines := []string{
		fmt.Sprintf("📈 **%s 股票趋势预测分析**", p.Symbol),
		"",
		"🔍 **趋势分析**",
		fmt.Sprintf("• 当前趋势: %s", p.Trend.Trend),
		fmt.Sprintf("• 信心度: %.1f%%", p.Trend.Confidence),
		fmt.Sprintf("• 价格变化: %+.2f%%", p.Trend.PriceChange),
		"",
		"📊 **技术指标**",
	}
	if p.RSI != nil {
		lines = append(
			lines,
			fmt.Sprintf("• RSI: %.1f", *p.RSI),
			fmt.Sprintf("• RSI状态: %s", p.RSIStatus),
		)
	} else {
		lines = append(lines, "• RSI: "+trendInsufficient)
	}

	lines = append(lines, "", fmt.Sprintf("🎯 **交易信号** (%s)", p.Sentiment))
	if len(p.Signals) == 0 {
		lines = append(lines, "• 暂无明确信号")
	}
	for _, s := range p.Signals {
		lines = append(lines, fmt.Sprintf("• %s: %s", s.Type, s.Reason))
	}

	lines = append(
		lines,
		"",
		"💡 **投资建议**",
		p.Recommendation,
		"",
		"⚠️ "+p.Disclaimer,
	)
	return strings.Join(lines, "\n")
}
