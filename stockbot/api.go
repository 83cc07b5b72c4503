package stockbot

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix        = "/debug"
	apiPrefix          = "/api"
	apiPathHealth      = "/health"
	apiPathMetrics     = "/metrics"
	apiPathSendMessage = "/send-message"
	apiPathSendDM      = "/send-dm"
	apiPathSendChart   = "/send-chart"

	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "

	// failed auth attempts allowed per client IP
	authFailureRate  = rate.Limit(1)
	authFailureBurst = 5
	// limiters are pruned once this many clients are tracked
	maxAuthFailureClients = 1024

	maxAPIAttachmentBytes = 10 * 1024 * 1024
	maxAPIAttachments     = 10
	apiAttachmentTimeout  = 30 * time.Second
)

var errAttachmentTooLarge = errors.New("attachment exceeds size limit")

// APIToken is a bearer token accepted by the automation API. Only the
// argon2id hash of the token is stored.
type APIToken struct {
	ModelUintID
	ModelUnixTime
	Name      string `gorm:"size:100" json:"name"`
	TokenHash string `gorm:"not null" json:"-"`
}

// API serves the automation endpoints (send messages, DMs and charts),
// along with health and metrics endpoints.
//
// Endpoints under /api require a bearer token once one has been created
// with 'stockbot init'. Until then, they're open, and a warning is logged
// at startup.
type API struct {
	config             *APIConfig
	httpServer         *http.Server
	listener           net.Listener
	engine             *gin.Engine
	authFailureLimiter *clientRateLimiter
	logger             *slog.Logger

	handlers *APIHandlers
}

// newAPI creates the gin engine, middleware and routes, and the
// underlying http.Server. TLS is configured only when a cert is set.
func newAPI(s *StockBot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:             config,
		engine:             r,
		authFailureLimiter: newClientRateLimiter(authFailureRate, authFailureBurst),
		logger:             newComponentLogger("api", config.LogLevel),
	}
	api.handlers = NewAPIHandlers(s, api.logger)

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(),
	)

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && s.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	// health is also served under /api, ahead of the authenticated group
	for _, path := range []string{apiPathHealth, apiPrefix + apiPathHealth} {
		r.GET(path, api.handlers.healthCheck)
		r.HEAD(path, api.handlers.healthCheck)
	}
	r.GET(apiPathMetrics, gin.WrapH(promhttp.Handler()))

	if s.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(s, api))

	protected.POST(apiPathSendMessage, api.handlers.sendMessage)
	protected.POST(apiPathSendDM, api.handlers.sendDM)
	protected.POST(apiPathSendChart, api.handlers.sendChart)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. The listener is wrapped in TLS when configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(
		ctx,
		"serving API",
		"address", a.listener.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the API's route handlers
type APIHandlers struct {
	s      *StockBot
	logger *slog.Logger
	client *http.Client
}

func NewAPIHandlers(s *StockBot, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{s: s, logger: logger, client: s.config.HTTPClient}
}

type healthCheckResponse struct {
	Status    string `json:"status"`
	BotStatus string `json:"bot_status"`
	APIServer string `json:"api_server"`
	Timestamp string `json:"timestamp"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type sendMessageRequest struct {
	ChannelID string `json:"channelId" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

type sendDMRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// sendChartItem is one element of a send-chart request. Only the first
// element of the array is sent.
type sendChartItem struct {
	AuthorID       string                   `json:"authorId" binding:"required"`
	Symbol         string                   `json:"symbol" binding:"required"`
	Timeframe      string                   `json:"timeframe" binding:"required"`
	DiscordPayload *sendChartDiscordPayload `json:"discordPayload,omitempty"`
}

type sendChartDiscordPayload struct {
	Content     string                `json:"content"`
	Attachments []sendChartAttachment `json:"attachments"`
}

// sendChartAttachment is an image to attach to the DM. URL may be an
// http(s) URL to download, or a base64 data URI. Data is an alternative
// to a data URI in URL.
type sendChartAttachment struct {
	URL      string `json:"url"`
	Data     string `json:"data"`
	Filename string `json:"filename"`
}

type sendMessageResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	Timestamp string `json:"timestamp"`
	FilesSent *int   `json:"filesSent,omitempty"`
}

// healthCheck always returns 200, with the discord connection state
// reported in bot_status
func (h *APIHandlers) healthCheck(c *gin.Context) {
	botStatus := "connecting"
	if h.s.discord.Connected() {
		botStatus = "online"
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:    "healthy",
			BotStatus: botStatus,
			APIServer: "running",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	)
}

// sendMessage sends content to a channel.
//
// Responses:
//   - 200 OK: the message was sent
//   - 400 Bad Request: channelId or content missing
//   - 404 Not Found: discord doesn't know the channel
//   - 500 Internal Server Error: any other send failure
func (h *APIHandlers) sendMessage(c *gin.Context) {
	logger := ginContextLogger(c)
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid send-message request", tint.Err(err))
		ginReplyBadRequest(c, "Missing required fields: channelId, content")
		return
	}

	msg, err := h.s.discord.sendChannelMessage(c.Request.Context(), req.ChannelID, req.Content)
	if err != nil {
		ginReplyDiscordError(c, logger, err, fmt.Sprintf("Channel %s not found", req.ChannelID))
		return
	}
	c.JSON(
		http.StatusOK, sendMessageResponse{
			Success:   true,
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			Timestamp: messageTimestamp(msg),
		},
	)
}

// sendDM sends content to a user as a direct message.
//
// Responses:
//   - 200 OK: the message was sent
//   - 400 Bad Request: userId or content missing
//   - 404 Not Found: discord doesn't know the user
//   - 500 Internal Server Error: any other send failure
func (h *APIHandlers) sendDM(c *gin.Context) {
	logger := ginContextLogger(c)
	var req sendDMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid send-dm request", tint.Err(err))
		ginReplyBadRequest(c, "Missing required fields: userId, content")
		return
	}

	msg, err := h.s.discord.sendDM(
		c.Request.Context(),
		req.UserID,
		&discordgo.MessageSend{Content: req.Content},
	)
	if err != nil {
		ginReplyDiscordError(c, logger, err, fmt.Sprintf("User %s not found", req.UserID))
		return
	}
	c.JSON(
		http.StatusOK, sendMessageResponse{
			Success:   true,
			MessageID: msg.ID,
			UserID:    req.UserID,
			Timestamp: messageTimestamp(msg),
		},
	)
}

// sendChart sends a chart image to a user by DM. The body is a non-empty
// array, of which only the first item is used.
//
// Responses:
//   - 200 OK: the DM was sent
//   - 400 Bad Request: empty array, missing fields or a bad attachment
//   - 404 Not Found: discord doesn't know the user
//   - 500 Internal Server Error: any other failure
func (h *APIHandlers) sendChart(c *gin.Context) {
	logger := ginContextLogger(c)
	var items []sendChartItem
	if err := c.ShouldBindJSON(&items); err != nil {
		// item field errors are reported below, for the first item only
		var sliceErr binding.SliceValidationError
		if !errors.As(err, &sliceErr) {
			logger.Warn("invalid send-chart request", tint.Err(err))
			ginReplyBadRequest(c, "Data must be a non-empty array")
			return
		}
	}
	if len(items) == 0 {
		ginReplyBadRequest(c, "Data must be a non-empty array")
		return
	}
	item := items[0]
	if err := structValidator.Struct(item); err != nil {
		logger.Warn("invalid send-chart item", tint.Err(err))
		ginReplyBadRequest(c, "Missing required fields: authorId, symbol, timeframe")
		return
	}

	content := fmt.Sprintf("📊 %s %s 图表", item.Symbol, item.Timeframe)
	var attachments []sendChartAttachment
	if p := item.DiscordPayload; p != nil {
		if p.Content != "" {
			content = p.Content
		}
		attachments = p.Attachments
	}
	if len(attachments) > maxAPIAttachments {
		ginReplyBadRequest(c, fmt.Sprintf("At most %d attachments are allowed", maxAPIAttachments))
		return
	}

	defaultFilename := fmt.Sprintf("%s_%s.png", strings.ReplaceAll(item.Symbol, ":", "_"), item.Timeframe)
	files := make([]*discordgo.File, 0, len(attachments))
	for _, a := range attachments {
		f, err := h.loadAttachment(c.Request.Context(), a, defaultFilename)
		switch {
		case err == nil:
			files = append(files, f)
		case errors.Is(err, errBadAttachment):
			ginReplyBadRequest(c, err.Error())
			return
		default:
			// downloads that fail are skipped, and the DM is sent without them
			logger.Warn("skipping attachment", "url", a.URL, tint.Err(err))
		}
	}

	msg, err := h.s.discord.sendDM(
		c.Request.Context(),
		item.AuthorID,
		&discordgo.MessageSend{Content: content, Files: files},
	)
	if err != nil {
		ginReplyDiscordError(c, logger, err, fmt.Sprintf("User %s not found", item.AuthorID))
		return
	}
	logger.Info(
		"sent chart",
		columnUserID, item.AuthorID,
		"symbol", item.Symbol,
		"timeframe", item.Timeframe,
		"files", len(files),
	)
	filesSent := len(files)
	c.JSON(
		http.StatusOK, sendMessageResponse{
			Success:   true,
			MessageID: msg.ID,
			UserID:    item.AuthorID,
			Symbol:    item.Symbol,
			Timeframe: item.Timeframe,
			Timestamp: messageTimestamp(msg),
			FilesSent: &filesSent,
		},
	)
}

var errBadAttachment = errors.New("invalid attachment")

// loadAttachment decodes a data URI or downloads a URL. Malformed data
// URIs are errBadAttachment. Failed downloads are returned as-is.
func (h *APIHandlers) loadAttachment(
	ctx context.Context,
	a sendChartAttachment,
	defaultFilename string,
) (*discordgo.File, error) {
	filename := a.Filename
	if filename == "" {
		filename = defaultFilename
	}
	src := a.Data
	if src == "" {
		src = a.URL
	}
	if src == "" {
		return nil, fmt.Errorf("%w: url or data is required", errBadAttachment)
	}

	if strings.HasPrefix(src, "data:") {
		data, mimeType, err := decodeDataURI(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadAttachment, err)
		}
		return &discordgo.File{Name: filename, ContentType: mimeType, Reader: bytes.NewReader(data)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, apiAttachmentTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadAttachment, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAPIAttachmentBytes {
		return nil, errAttachmentTooLarge
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &discordgo.File{Name: filename, ContentType: contentType, Reader: bytes.NewReader(data)}, nil
}

// decodeDataURI decodes a base64 'data:<mime>;base64,<data>' URI
func decodeDataURI(uri string) ([]byte, string, error) {
	header, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data URI")
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return nil, "", errors.New("data URI must be base64 encoded")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxAPIAttachmentBytes {
		return nil, "", errAttachmentTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("error decoding data URI: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func messageTimestamp(m *discordgo.Message) string {
	if m.Timestamp.IsZero() {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return m.Timestamp.UTC().Format(time.RFC3339)
}

// clientRateLimiter tracks a rate.Limiter per client IP
type clientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newClientRateLimiter(limit rate.Limit, burst int) *clientRateLimiter {
	return &clientRateLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    limit,
		burst:    burst,
	}
}

// get returns the limiter for ip, creating it if needed
func (l *clientRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[ip]; ok {
		return lim
	}
	if len(l.limiters) >= maxAuthFailureClients {
		// a full bucket is the same as a new one
		for k, lim := range l.limiters {
			if lim.Tokens() >= float64(l.burst) {
				delete(l.limiters, k)
			}
		}
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters[ip] = lim
	return lim
}

// authMiddleware requires a valid bearer token for /api routes, once any
// API token exists. Failed attempts draw from a limiter for the client's
// IP, and once that's exhausted, requests from the same IP are rejected
// with 429 before being checked. Other clients aren't affected.
func authMiddleware(s *StockBot, a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		var tokens []APIToken
		if s.db != nil {
			if err := s.db.WithContext(c.Request.Context()).Find(&tokens).Error; err != nil {
				logger.Error("error loading API tokens", tint.Err(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: "internal error"})
				return
			}
		}
		if len(tokens) == 0 {
			c.Next()
			return
		}

		failures := a.authFailureLimiter.get(c.RemoteIP())
		if failures.Tokens() < 1 {
			logger.Warn("auth rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if ok && token != "" {
			for _, t := range tokens {
				valid, err := verifyAPIToken(t.TokenHash, token)
				if err != nil {
					logger.Error("error verifying API token", "token_id", t.ID, tint.Err(err))
					continue
				}
				if valid {
					c.Next()
					return
				}
			}
		}

		failures.Allow()
		logger.Warn("unauthorized API request")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
	}
}

// requestIDMiddleware assigns a random request ID to each request, set
// in the gin context and echoed in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := GenerateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if base != nil {
			requestID, _ := c.Get(xRequestIDHeader)
			c.Set(
				string(loggerContextKey),
				base.With(
					slog.Group(
						"request",
						"method", c.Request.Method,
						"path", c.Request.URL.Path,
						"remote_ip", c.RemoteIP(),
					),
					slog.Any(xRequestIDHeader, requestID),
				),
			)
		}
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware records request counts and durations, by route
func metricMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// ginReplyError sends a JSON response with an error message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func ginReplyBadRequest(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err})
}

// ginReplyDiscordError replies 404 with notFound when discord reports the
// target doesn't exist, and 500 with the error otherwise
func ginReplyDiscordError(c *gin.Context, logger *slog.Logger, err error, notFound string) {
	_ = c.Error(err)
	if isDiscordNotFound(err) {
		logger.Warn("discord target not found", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: notFound})
		return
	}
	logger.Error("discord request failed", tint.Err(err))
	ginReplyError(c, err.Error())
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"StockBot"},
		},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()
	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)},
	); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}
