package stockbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPredictionCommand(t *testing.T) {
	t.Parallel()
	assert.True(t, hasPredictionCommand("预测 AAPL"))
	assert.True(t, hasPredictionCommand("TSLA trend?"))
	assert.True(t, hasPredictionCommand("Predict NVDA"))
	assert.True(t, hasPredictionCommand("<@123456> 分析 MSFT"))
	assert.False(t, hasPredictionCommand("predict aapl"))
	assert.False(t, hasPredictionCommand("AAPL"))
	assert.False(t, hasPredictionCommand("what's the trend"))
}

func TestExtractTicker(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AAPL", extractTicker("预测 AAPL 走势"))
	assert.Equal(t, "TSLA", extractTicker("<@123456> TSLA trend"))
	assert.Equal(t, "", extractTicker("a B c"))
}

func TestHeuristicPredictor_Predict(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &HeuristicPredictor{now: func() time.Time { return now }}

	first, err := p.Predict(context.Background(), " aapl ")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, now, first.AnalysisTime)
	assert.Equal(t, predictionDisclaimer, first.Disclaimer)
	assert.NotEmpty(t, first.Trend.Trend)
	assert.NotEmpty(t, first.Sentiment)
	assert.NotEmpty(t, first.RiskLevel)
	assert.NotEmpty(t, first.Recommendation)
	require.NotNil(t, first.RSI)
	assert.GreaterOrEqual(t, *first.RSI, 0.0)
	assert.LessOrEqual(t, *first.RSI, 100.0)

	second, err := p.Predict(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := p.Predict(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.Equal(t, "TSLA", other.Symbol)
}

func TestHeuristicPredictor_Errors(t *testing.T) {
	t.Parallel()
	p := NewHeuristicPredictor()

	_, err := p.Predict(context.Background(), "  ")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Predict(ctx, "AAPL")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSamplePrices(t *testing.T) {
	t.Parallel()
	prices := samplePrices("AAPL")
	require.Len(t, prices, predictionSamplePoints)
	assert.Equal(t, prices, samplePrices("AAPL"))
	for _, p := range prices {
		assert.GreaterOrEqual(t, p, 1.0)
	}
}

func TestAnalyzePriceTrend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		prices     []float64
		trend      string
		confidence float64
	}{
		{
			name:       "rising",
			prices:     []float64{100, 101, 102, 103, 104, 110, 120},
			trend:      trendUp,
			confidence: 85,
		},
		{
			name:       "falling",
			prices:     []float64{200, 180, 160, 140, 120, 100, 80},
			trend:      trendDown,
			confidence: 85,
		},
		{
			name:       "flat",
			prices:     []float64{100, 100, 100, 100, 100, 100},
			trend:      trendSideways,
			confidence: 60,
		},
		{
			name:   "too few points",
			prices: []float64{100, 101, 102, 103},
			trend:  trendInsufficient,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				ta := analyzePriceTrend(tc.prices)
				assert.Equal(t, tc.trend, ta.Trend)
				assert.InDelta(t, tc.confidence, ta.Confidence, 0.001)
			},
		)
	}

	ta := analyzePriceTrend([]float64{100, 101, 102, 103, 104, 110, 120})
	assert.InDelta(t, 20.0, ta.PriceChange, 0.001)
	assert.InDelta(t, 111.333, ta.ShortAvg, 0.001)
	assert.InDelta(t, 107.8, ta.LongAvg, 0.001)
}

func TestCalculateRSI(t *testing.T) {
	t.Parallel()

	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	rsi, ok := calculateRSI(rising, rsiPeriod)
	require.True(t, ok)
	assert.Equal(t, 100.0, rsi)

	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = float64(100 - i)
	}
	rsi, ok = calculateRSI(falling, rsiPeriod)
	require.True(t, ok)
	assert.InDelta(t, 0.0, rsi, 0.001)

	// alternating +2/-1 gives avg gain 1, avg loss 0.5
	mixed := []float64{100}
	for i := 0; i < rsiPeriod; i++ {
		if i%2 == 0 {
			mixed = append(mixed, mixed[len(mixed)-1]+2)
		} else {
			mixed = append(mixed, mixed[len(mixed)-1]-1)
		}
	}
	rsi, ok = calculateRSI(mixed, rsiPeriod)
	require.True(t, ok)
	assert.InDelta(t, 100-100/3.0, rsi, 0.001)

	_, ok = calculateRSI(rising[:rsiPeriod], rsiPeriod)
	assert.False(t, ok)
}

func TestRSIStatus(t *testing.T) {
	t.Parallel()
	assert.Contains(t, rsiStatus(20), "超卖")
	assert.Contains(t, rsiStatus(80), "超买")
	assert.Contains(t, rsiStatus(35), "偏弱")
	assert.Contains(t, rsiStatus(65), "偏强")
	assert.Contains(t, rsiStatus(50), "中性")
}

func TestTradingSignals(t *testing.T) {
	t.Parallel()

	oversold := 20.0
	signals, sentiment, risk := tradingSignals(
		TrendAnalysis{Trend: trendUp, Confidence: 85, PriceChange: 20},
		&oversold,
	)
	require.Len(t, signals, 2)
	assert.Equal(t, signalBuy, signals[0].Type)
	assert.Equal(t, "强", signals[0].Strength)
	assert.Equal(t, signalBuy, signals[1].Type)
	assert.Equal(t, sentimentBullish, sentiment)
	assert.Equal(t, riskHigh, risk)

	overbought := 75.0
	signals, sentiment, risk = tradingSignals(
		TrendAnalysis{Trend: trendDown, Confidence: 80, PriceChange: -7},
		&overbought,
	)
	require.Len(t, signals, 2)
	assert.Equal(t, signalSell, signals[0].Type)
	assert.Equal(t, signalSell, signals[1].Type)
	assert.Equal(t, sentimentBearish, sentiment)
	assert.Equal(t, riskMedium, risk)

	signals, sentiment, risk = tradingSignals(
		TrendAnalysis{Trend: trendUp, Confidence: 50, PriceChange: 2},
		nil,
	)
	assert.Empty(t, signals)
	assert.Equal(t, sentimentNeutral, sentiment)
	assert.Equal(t, riskLow, risk)
}

func TestRecommendation(t *testing.T) {
	t.Parallel()
	up := TrendAnalysis{Trend: trendUp, Confidence: 85}
	assert.Contains(t, recommendation(up, sentimentBullish, riskHigh), "逢低买入")
	down := TrendAnalysis{Trend: trendDown, Confidence: 85}
	assert.Contains(t, recommendation(down, sentimentBearish, riskLow), "减仓")
	flat := TrendAnalysis{Trend: trendSideways, Confidence: 60}
	got := recommendation(flat, sentimentNeutral, riskLow)
	assert.Contains(t, got, "保持观望")
	assert.Contains(t, got, trendSideways)
	assert.Contains(t, got, riskLow)
}

func TestPrediction_Message(t *testing.T) {
	t.Parallel()

	rsi := 25.5
	p := Prediction{
		Symbol:         "AAPL",
		Trend:          TrendAnalysis{Trend: trendUp, Confidence: 85, PriceChange: 12.346},
		RSI:            &rsi,
		RSIStatus:      rsiStatus(rsi),
		Signals:        []TradingSignal{{Type: signalBuy, Reason: "because"}},
		Sentiment:      sentimentBullish,
		Recommendation: "buy it",
		Disclaimer:     predictionDisclaimer,
	}
	msg := p.Message()
	assert.Contains(t, msg, "**AAPL 股票趋势预测分析**")
	assert.Contains(t, msg, "• 信心度: 85.0%")
	assert.Contains(t, msg, "• 价格变化: +12.35%")
	assert.Contains(t, msg, "• RSI: 25.5")
	assert.Contains(t, msg, "• 买入信号: because")
	assert.Contains(t, msg, "buy it")
	assert.Contains(t, msg, predictionDisclaimer)

	p.RSI = nil
	p.Signals = nil
	msg = p.Message()
	assert.Contains(t, msg, "• RSI: "+trendInsufficient)
	assert.Contains(t, msg, "暂无明确信号")
}
