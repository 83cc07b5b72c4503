package stockbot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func apiRequest(
	t testing.TB,
	s *StockBot,
	method string,
	path string,
	body any,
	token string,
) *httptest.ResponseRecorder {
	t.Helper()
	return apiRequestFrom(t, s, "", method, path, body, token)
}

// apiRequestFrom is apiRequest with the client address set, when
// remoteAddr isn't empty
func apiRequestFrom(
	t testing.TB,
	s *StockBot,
	remoteAddr string,
	method string,
	path string,
	body any,
	token string,
) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if token != "" {
		req.Header.Set("Authorization", bearerPrefix+token)
	}
	w := httptest.NewRecorder()
	s.api.engine.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var rv T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	return rv
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()
	s, _ := newTestStockBot(t)

	w := apiRequest(t, s, http.MethodGet, apiPathHealth, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse[healthCheckResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connecting", resp.BotStatus)
	assert.Equal(t, "running", resp.APIServer)
	assert.NotEmpty(t, resp.Timestamp)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	s.discord.connected.Store(true)
	w = apiRequest(t, s, http.MethodGet, apiPathHealth, nil, "")
	resp = decodeResponse[healthCheckResponse](t, w)
	assert.Equal(t, "online", resp.BotStatus)
}

func TestAPI_HealthUnderAPIPrefix(t *testing.T) {
	t.Parallel()
	s, _ := newTestStockBot(t)

	hash, err := HashAPIToken("correct-token")
	require.NoError(t, err)
	_, err = s.writeDB.Create(context.Background(), &APIToken{Name: "test", TokenHash: hash})
	require.NoError(t, err)

	// no token needed, even once one exists
	w := apiRequest(t, s, http.MethodGet, apiPrefix+apiPathHealth, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeResponse[healthCheckResponse](t, w).Status)

	w = apiRequest(t, s, http.MethodHead, apiPrefix+apiPathHealth, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_SendMessage(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	path := apiPrefix + apiPathSendMessage

	w := apiRequest(t, s, http.MethodPost, path, map[string]string{"channelId": "c1"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeResponse[httpError](t, w).Error, "Missing required fields")

	w = apiRequest(t, s, http.MethodPost, path, `not json`, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(
		t, s, http.MethodPost, path,
		sendMessageRequest{ChannelID: "c1", Content: "hello"}, "",
	)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse[sendMessageResponse](t, w)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, "c1", resp.ChannelID)
	assert.NotEmpty(t, resp.Timestamp)

	session.mu.Lock()
	require.Len(t, session.ChannelMessages, 1)
	assert.Equal(t, "hello", session.ChannelMessages[0].Content)
	session.SendErr = discordNotFoundError()
	session.mu.Unlock()

	w = apiRequest(
		t, s, http.MethodPost, path,
		sendMessageRequest{ChannelID: "c404", Content: "hello"}, "",
	)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Channel c404 not found", decodeResponse[httpError](t, w).Error)
}

func TestAPI_SendDM(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	path := apiPrefix + apiPathSendDM

	w := apiRequest(t, s, http.MethodPost, path, map[string]string{"content": "hi"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, s, http.MethodPost, path, sendDMRequest{UserID: "u1", Content: "hi"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse[sendMessageResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "u1", resp.UserID)

	dms := session.dms()
	require.Len(t, dms, 1)
	assert.Equal(t, "dm-u1", dms[0].ChannelID)
	assert.Equal(t, "hi", dms[0].Content)

	session.mu.Lock()
	session.UserChannelErr = discordNotFoundError()
	session.mu.Unlock()
	w = apiRequest(t, s, http.MethodPost, path, sendDMRequest{UserID: "u404", Content: "hi"}, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "User u404 not found", decodeResponse[httpError](t, w).Error)
}

func TestAPI_SendChart_Validation(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	path := apiPrefix + apiPathSendChart

	w := apiRequest(t, s, http.MethodPost, path, []sendChartItem{}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Data must be a non-empty array", decodeResponse[httpError](t, w).Error)

	w = apiRequest(t, s, http.MethodPost, path, `{"authorId":"u1"}`, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, s, http.MethodPost, path, `[{"symbol":"AAPL"}]`, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(
		t,
		"Missing required fields: authorId, symbol, timeframe",
		decodeResponse[httpError](t, w).Error,
	)

	bad := []sendChartItem{
		{
			AuthorID:  "u1",
			Symbol:    "AAPL",
			Timeframe: "1h",
			DiscordPayload: &sendChartDiscordPayload{
				Attachments: []sendChartAttachment{{URL: "data:image/png,not-base64"}},
			},
		},
	}
	w = apiRequest(t, s, http.MethodPost, path, bad, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, session.dms())
}

func TestAPI_SendChart(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)
	path := apiPrefix + apiPathSendChart

	imgSrv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chart.png" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(pngHeader)
			},
		),
	)
	t.Cleanup(imgSrv.Close)

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	items := []sendChartItem{
		{
			AuthorID:  "u1",
			Symbol:    "NASDAQ:AAPL",
			Timeframe: "1h",
			DiscordPayload: &sendChartDiscordPayload{
				Content: "your chart",
				Attachments: []sendChartAttachment{
					{URL: dataURI, Filename: "a.png"},
					{Data: dataURI},
					{URL: imgSrv.URL + "/chart.png", Filename: "c.png"},
					{URL: imgSrv.URL + "/missing.png"},
				},
			},
		},
		{AuthorID: "u2", Symbol: "TSLA", Timeframe: "1d"},
	}

	w := apiRequest(t, s, http.MethodPost, path, items, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeResponse[sendMessageResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, "NASDAQ:AAPL", resp.Symbol)
	assert.Equal(t, "1h", resp.Timeframe)
	require.NotNil(t, resp.FilesSent)
	assert.Equal(t, 3, *resp.FilesSent)

	dms := session.dms()
	require.Len(t, dms, 1)
	assert.Equal(t, "dm-u1", dms[0].ChannelID)
	assert.Equal(t, "your chart", dms[0].Content)
	require.Len(t, dms[0].Files, 3)
	assert.Equal(t, "a.png", dms[0].Files[0].Name)
	assert.Equal(t, "image/png", dms[0].Files[0].ContentType)
	assert.Equal(t, "NASDAQ_AAPL_1h.png", dms[0].Files[1].Name)
	assert.Equal(t, "c.png", dms[0].Files[2].Name)

	data, err := io.ReadAll(dms[0].Files[0].Reader)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestAPI_SendChart_DefaultContent(t *testing.T) {
	t.Parallel()
	s, session := newTestStockBot(t)

	w := apiRequest(
		t, s, http.MethodPost, apiPrefix+apiPathSendChart,
		[]sendChartItem{{AuthorID: "u1", Symbol: "TSLA", Timeframe: "1d"}}, "",
	)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse[sendMessageResponse](t, w)
	require.NotNil(t, resp.FilesSent)
	assert.Equal(t, 0, *resp.FilesSent)

	dms := session.dms()
	require.Len(t, dms, 1)
	assert.Equal(t, "📊 TSLA 1d 图表", dms[0].Content)
}

func TestAPI_BearerAuth(t *testing.T) {
	t.Parallel()
	s, _ := newTestStockBot(t)
	path := apiPrefix + apiPathSendMessage
	body := sendMessageRequest{ChannelID: "c1", Content: "hello"}

	// open until a token exists
	w := apiRequest(t, s, http.MethodPost, path, body, "")
	require.Equal(t, http.StatusOK, w.Code)

	token, err := GenerateRandomHexString(32)
	require.NoError(t, err)
	hash, err := HashAPIToken(token)
	require.NoError(t, err)
	_, err = s.writeDB.Create(context.Background(), &APIToken{Name: "test", TokenHash: hash})
	require.NoError(t, err)

	w = apiRequest(t, s, http.MethodPost, path, body, token)
	require.Equal(t, http.StatusOK, w.Code)

	// health stays public
	w = apiRequest(t, s, http.MethodGet, apiPathHealth, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	for i := 0; i < 5; i++ {
		w = apiRequest(t, s, http.MethodPost, path, body, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i)
	}

	w = apiRequest(t, s, http.MethodPost, path, body, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w = apiRequest(t, s, http.MethodPost, path, body, token)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_BearerAuth_WrongToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestStockBot(t)

	hash, err := HashAPIToken("correct-token")
	require.NoError(t, err)
	_, err = s.writeDB.Create(context.Background(), &APIToken{Name: "test", TokenHash: hash})
	require.NoError(t, err)

	w := apiRequest(
		t, s, http.MethodPost, apiPrefix+apiPathSendDM,
		sendDMRequest{UserID: "u1", Content: "hi"}, "wrong-token",
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_BearerAuth_LimitPerClient(t *testing.T) {
	t.Parallel()
	s, _ := newTestStockBot(t)
	path := apiPrefix + apiPathSendMessage
	body := sendMessageRequest{ChannelID: "c1", Content: "hello"}
	const (
		attacker = "198.51.100.7:4000"
		client   = "203.0.113.9:5000"
	)

	token, err := GenerateRandomHexString(32)
	require.NoError(t, err)
	hash, err := HashAPIToken(token)
	require.NoError(t, err)
	_, err = s.writeDB.Create(context.Background(), &APIToken{Name: "n8n", TokenHash: hash})
	require.NoError(t, err)

	for i := 0; i < authFailureBurst; i++ {
		w := apiRequestFrom(t, s, attacker, http.MethodPost, path, body, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i)
	}
	w := apiRequestFrom(t, s, attacker, http.MethodPost, path, body, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// other clients still authenticate, and get their own failure budget
	w = apiRequestFrom(t, s, client, http.MethodPost, path, body, token)
	assert.Equal(t, http.StatusOK, w.Code)
	w = apiRequestFrom(t, s, client, http.MethodPost, path, body, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientRateLimiter(t *testing.T) {
	t.Parallel()
	l := newClientRateLimiter(rate.Limit(1), 2)

	a := l.get("192.0.2.1")
	assert.Same(t, a, l.get("192.0.2.1"))
	assert.NotSame(t, a, l.get("192.0.2.2"))

	assert.True(t, a.Allow())
	assert.True(t, a.Allow())
	assert.False(t, a.Allow())
	assert.True(t, l.get("192.0.2.2").Allow())
}
