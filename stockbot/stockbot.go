package stockbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/stockbot/stockbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = validator.New()

// shutdownAnnouncementInterval is how often the remaining time until a
// forced shutdown is logged
var shutdownAnnouncementInterval = 10 * time.Second

// StockBot is the main bot. It owns the configuration, the database,
// the discord session and the feature collaborators, and routes every
// inbound message to at most one handler.
type StockBot struct {
	config *Config

	// db is the read connection. Writes go through writeDB.
	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord     *Discord
	rateLimiter *RateLimiter
	quota       *quotaGate

	chart     ChartRenderer
	predictor Predictor
	analyzer  ImageAnalyzer
	webhook   *WebhookForwarder
	cleaner   *ChannelCleaner

	api *API

	// signalStop triggers a graceful shutdown when sent to
	signalStop chan struct{}

	// signalReady is sent once the bot has connected to discord and is
	// handling messages
	signalReady chan struct{}

	// eventShutdown is sent once shutdown has finished
	eventShutdown chan struct{}

	// prevents concurrent runs
	runMu sync.Mutex

	startedAt time.Time

	messagesInProgress atomic.Int64
}

// New creates a StockBot from the given config. The database isn't opened
// until Run.
func New(config *Config) (*StockBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	s := &StockBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	s.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     s.config.LogLevel,
			AddSource: true,
		},
	)
	s.logger = slog.New(s.logHandler)
	slog.SetDefault(s.logger)

	s.config.Discord.httpClient = s.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     s.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	s.discord = newDiscord(
		s.config.Discord,
		newComponentLogger("discord", s.config.Discord.LogLevel),
	)

	s.cleaner = NewChannelCleaner(
		s.config.Cleanup,
		s.config.Discord,
		s.discord,
		newComponentLogger("cleanup", s.config.Cleanup.LogLevel),
	)

	s.chart = NewChartClient(
		s.config.Chart,
		s.config.HTTPClient,
		newComponentLogger("chart", s.config.Chart.LogLevel),
	)
	s.predictor = NewHeuristicPredictor()
	s.webhook = NewWebhookForwarder(
		s.config.Webhook,
		s.config.HTTPClient,
		newComponentLogger("webhook", s.config.Webhook.LogLevel),
	)

	analyst, err := NewGeminiAnalyst(
		context.Background(),
		s.config.Gemini,
		s.config.HTTPClient,
		newComponentLogger("gemini", s.config.Gemini.LogLevel),
	)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.analyzer = analyst
	}

	api, err := newAPI(s, config.API)
	errs = append(errs, err)
	s.api = api

	return s, errors.Join(errs...)
}

func (s *StockBot) ValidateConfig() error {
	return structValidator.Struct(s.config)
}

func (s *StockBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = s.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run initializes the database, starts the API server and connects to
// discord, then blocks until ctx is canceled (or a stop signal is
// received), at which point it shuts down gracefully.
func (s *StockBot) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.signalStop = make(chan struct{}, 1)
	s.startedAt = time.Now()
	logger := s.logger

	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// tracks in-flight message handlers, which are waited on at shutdown
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", s.config))
	if s.signalReady == nil {
		s.signalReady = make(chan struct{}, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			s.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			s.logger.Warn("context canceled, sending stop signal")
			s.signalStop <- struct{}{}
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- s.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	go func() {
		httpErr := s.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := s.initDiscordSession(ctx, runtimeWG); err != nil {
		s.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	s.logger.InfoContext(ctx, "connecting to discord")
	if err := s.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if s.config.Cleanup.Enabled {
		s.cleaner.Start(ctx)
	}

	s.signalReady <- struct{}{}
	s.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context, generally
	// an interrupt
	<-ctx.Done()

	return s.shutdown(ctx, runtimeWG)
}

// Stop signals a running bot to shut down
func (s *StockBot) Stop() {
	if s.signalStop == nil {
		return
	}
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the database and creates the components that depend on it
func (s *StockBot) initRun(ctx context.Context) error {
	s.logger.Debug("initializing DB...")
	if err := s.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	s.logger.Debug("finished initializing DB")

	s.rateLimiter = NewRateLimiter(s.writeDB, s.config.RateLimit.DailyLimit, s.logger)
	s.quota = &quotaGate{
		limiter: s.rateLimiter,
		discord: s.discord,
		logger:  s.logger.With(loggerNameKey, "quota"),
	}

	if s.config.Chart.APIKey == "" || s.config.Chart.LayoutID == "" {
		s.logger.WarnContext(ctx, "chart API key or layout ID not set, chart requests will fail")
	}
	if !s.webhook.Enabled() {
		s.logger.WarnContext(ctx, "no webhook URL set, mentions won't be forwarded")
	}

	var tokenCount int64
	if err := s.db.WithContext(ctx).Model(&APIToken{}).Count(&tokenCount).Error; err != nil {
		return fmt.Errorf("error counting API tokens: %w", err)
	}
	if tokenCount == 0 {
		s.logger.WarnContext(
			ctx,
			"no API token set, /api endpoints are unauthenticated (run 'stockbot init' to create one)",
		)
	}
	return nil
}

func (s *StockBot) initDB(ctx context.Context) error {
	if s.db == nil {
		ctx = WithLogger(ctx, s.logger.With(loggerNameKey, "database"))
		db, err := CreateDB(ctx, s.config)
		if err != nil {
			return err
		}
		s.db = db
	}
	s.writeDB = NewDatabase(s.db, s.logger, s.config.DatabaseType == dbTypePostgres)
	return nil
}

func (s *StockBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := s.logger.With(loggerNameKey, "discord_session")

	if s.discord.session == nil {
		disc, err := s.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		s.discord.session = disc
	}

	// in-flight handlers are waited on at shutdown, so they shouldn't be
	// canceled along with the runtime context
	ctx = WithLogger(context.WithoutCancel(ctx), logger)

	for _, h := range s.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	s.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: s.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	s.discord.discordgoRemoveHandlerFuncs = []func(){
		s.discord.session.AddHandler(s.discord.handlerConnect()),
		s.discord.session.AddHandler(s.discord.handlerDisconnect()),
		s.discord.session.AddHandler(s.discord.handlerReady()),
		s.discord.session.AddHandler(s.discord.handlerGuildMemberUpdate()),
		s.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					s.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// shutdown waits for in-flight message handlers, then stops the HTTP
// server and closes the discord session. If that doesn't finish within
// ShutdownTimeout, the HTTP server is closed forcefully.
func (s *StockBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	s.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if s.eventShutdown != nil {
			go func() {
				s.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := s.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		s.logger.Warn("immediate shutdown")
		go func() {
			_ = s.api.httpServer.Close()
		}()
		return errors.New("immediate shutdown requested")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	s.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		s.logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		// the cleanup loop exits with the runtime context, but may be
		// mid-request against the session
		s.cleaner.Wait()

		g := &errgroup.Group{}
		if s.api != nil && s.api.httpServer != nil {
			g.Go(
				func() error {
					s.logger.InfoContext(ctx, "stopping http server")
					if err := s.api.httpServer.Shutdown(closeCtx); err != nil {
						return fmt.Errorf("error stopping http server: %w", err)
					}
					s.logger.InfoContext(ctx, "http server stopped")
					return nil
				},
			)
		}
		if s.discord.session != nil {
			g.Go(
				func() error {
					s.logger.InfoContext(ctx, "closing discord session")
					err := s.discord.session.Close()
					for _, h := range s.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					s.discord.discordgoRemoveHandlerFuncs = nil
					if err != nil {
						return fmt.Errorf("error closing discord session: %w", err)
					}
					s.logger.InfoContext(ctx, "discord session closed")
					return nil
				},
			)
		}
		if s.db != nil {
			g.Go(
				func() error {
					sqlDB, err := s.db.DB()
					if err != nil {
						return err
					}
					return sqlDB.Close()
				},
			)
		}
		gracefulShutdownCh <- g.Wait()
	}()

	for {
		select {
		case err := <-gracefulShutdownCh:
			closeCancel()
			s.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			if err != nil {
				s.logger.ErrorContext(ctx, "error during shutdown", tint.Err(err))
			}
			return err
		case <-announcementTicker.C:
			s.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
				"messages_in_progress", s.messagesInProgress.Load(),
			)
		case <-closeCtx.Done():
			s.logger.Warn("message handlers did not stop in time, forcing close")
			go func() {
				_ = s.api.httpServer.Close()
			}()
			return errors.New("message handlers did not stop in time")
		}
	}
}

// handleDiscordMessage routes an inbound message to at most one handler,
// then records a MessageLog for anything that was routed.
//
// This is called as a goroutine for each message received through the
// gateway. Messages from bots (including this one) are ignored.
func (s *StockBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	ctx, logger := s.getLogger(ctx)

	user := messageAuthor(m.Message)
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if user.Bot || user.ID == s.config.Discord.ApplicationID {
		return
	}

	botID := s.config.Discord.ApplicationID
	mentioned := isMentioned(m.Message, botID, nil)
	if !mentioned && len(m.MentionRoles) > 0 {
		mentioned = isMentioned(m.Message, botID, s.discord.roleIDs(ctx, m.GuildID))
	}

	route := classifyMessage(
		s.config.Discord.CommandPrefix,
		inboundMessage{
			Content:     m.Content,
			Attachments: m.Attachments,
			Mentioned:   mentioned,
			Monitored:   s.config.Discord.IsMonitoredChannel(m.ChannelID),
		},
	)
	if route == RouteNone {
		return
	}

	s.messagesInProgress.Add(1)
	defer s.messagesInProgress.Add(-1)

	messageLog := newMessageLog(m.Message, route)
	logger = logger.With(
		"correlation_id", messageLog.CorrelationID,
		"route", string(route),
		columnUserID, user.ID,
		"channel_id", m.ChannelID,
	)
	ctx = WithLogger(ctx, logger)
	logger.DebugContext(ctx, "routing message")

	outcome, err := s.dispatch(ctx, m.Message, route)
	messageLog.Outcome = outcome
	if err != nil {
		messageLog.Error = err.Error()
	}
	messagesRouted.WithLabelValues(string(route), string(outcome)).Inc()

	if _, dbErr := s.writeDB.Create(context.WithoutCancel(ctx), messageLog); dbErr != nil {
		logger.ErrorContext(ctx, "error saving message log", tint.Err(dbErr))
	}
	logger.InfoContext(ctx, "handled message", "message_log", messageLog)
}

// dispatch runs the handler for route. A panic in the handler is
// recovered, and the user gets the generic failure reply.
func (s *StockBot) dispatch(
	ctx context.Context,
	m *discordgo.Message,
	route Route,
) (outcome Outcome, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			s.handleRecover(ctx, rc)
			s.replyAndReact(ctx, m, msgGenericFailure, false)
			outcome = OutcomeFailed
			err = fmt.Errorf("panic: %v", rc)
		}
	}()

	switch route {
	case RouteCommand:
		return s.runCommand(ctx, m), nil
	case RouteChart:
		req, parseErr := ParseStockCommand(m.Content)
		if parseErr != nil {
			loggerFromContext(ctx, s.logger).InfoContext(
				ctx,
				"invalid stock command",
				"error", parseErr.Error(),
			)
			s.replyAndReact(ctx, m, invalidTimeframeMessage(req), false)
			return OutcomeInvalid, nil
		}
		return s.quota.run(
			ctx,
			m,
			chartTask{req: req, renderer: s.chart, discord: s.discord},
		)
	case RoutePrediction:
		return s.quota.run(
			ctx,
			m,
			predictionTask{symbol: extractTicker(m.Content), predictor: s.predictor},
		)
	case RouteImageAnalysis:
		return s.quota.run(
			ctx,
			m,
			imageAnalysisTask{
				attachment: chartImage(m.Attachments),
				symbol:     extractTicker(m.Content),
				analyzer:   s.analyzer,
			},
		)
	case RouteStockHint:
		if _, replyErr := s.discord.reply(
			ctx,
			m,
			stockHintMessage(s.config.Discord.MonitorChannelIDs),
		); replyErr != nil {
			return OutcomeFailed, replyErr
		}
		return OutcomeSuccess, nil
	case RouteMentionForward:
		return s.forwardMention(ctx, m)
	default:
		return OutcomeIgnored, nil
	}
}

// forwardMention sends the message to the webhook, reacting with the
// result. No quota is consumed.
func (s *StockBot) forwardMention(
	ctx context.Context,
	m *discordgo.Message,
) (Outcome, error) {
	err := s.webhook.Forward(ctx, m, s.config.Discord.ApplicationID)
	if err != nil {
		loggerFromContext(ctx, s.logger).ErrorContext(
			ctx,
			"error forwarding mention",
			tint.Err(err),
		)
		s.discord.react(ctx, m, reactionFailure)
		return OutcomeFailed, err
	}
	s.discord.react(ctx, m, reactionSuccess)
	return OutcomeSuccess, nil
}

func (*StockBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

//nolint:gochecknoinits // registers the struct-level validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateWebhookConfig, WebhookConfig{})
}
