//nolint:lll // struct tags can't be split
package stockbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix     = "STOCKBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "SB"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "stockbot.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDailyLimit = 3

	DefaultCommandPrefix        = "!"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel     = slog.LevelInfo
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordCustomStatus = "AAPL,1h | !help"
	discordMaxMessageLength    = 2000

	DefaultChartBaseURL              = "https://api.chart-img.com"
	DefaultChartTimeout              = 90 * time.Second
	DefaultChartWidth                = 1920
	DefaultChartHeight               = 1080
	DefaultChartMaxRequestsPerSecond = 1.0
	DefaultChartLogLevel             = slog.LevelInfo

	DefaultWebhookMaxRetries     = 3
	DefaultWebhookTimeout        = 30 * time.Second
	DefaultWebhookRetryBaseDelay = time.Second
	DefaultWebhookLogLevel       = slog.LevelInfo

	DefaultCleanupHour           = 2
	DefaultCleanupDeleteInterval = 500 * time.Millisecond
	DefaultCleanupMaxMessages    = 1000
	DefaultCleanupLogLevel       = slog.LevelInfo

	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultGeminiTimeout  = 60 * time.Second
	DefaultGeminiLogLevel = slog.LevelInfo

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 2 * time.Minute
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// RateLimit configures the per-user daily quota
	RateLimit *RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit" binding:"required"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Chart configures the chart-rendering API
	Chart *ChartConfig `yaml:"chart" mapstructure:"chart" json:"chart" binding:"required"`

	// Webhook configures where bot mentions are forwarded
	Webhook *WebhookConfig `yaml:"webhook" mapstructure:"webhook" json:"webhook" binding:"required"`

	// Gemini configures chart-image analysis
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini" binding:"required"`

	// Cleanup configures deletion of noise messages from monitored channels
	Cleanup *CleanupConfig `yaml:"cleanup" mapstructure:"cleanup" json:"cleanup" binding:"required"`

	// API configures the automation API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

// LogValue logs the config with secrets redacted and the database
// connection string truncated.
func (c Config) LogValue() slog.Value {
	c.Database = redactDSN(c.Database)
	return structToSlogValue(c)
}

// RateLimitConfig configures the per-user daily request quota.
type RateLimitConfig struct {
	// Maximum number of quota-gated requests a non-exempt user may
	// complete per UTC day
	DailyLimit int `yaml:"daily_limit" mapstructure:"daily_limit" json:"daily_limit" binding:"min=1"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. For bot users, this is also the bot's user ID.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// CommandPrefix marks a token as a bot command (ex: '!quota')
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// MonitorChannelIDs are channels where stock commands, predictions and
	// chart images are handled without an @mention
	MonitorChannelIDs []string `yaml:"monitor_channel_ids" mapstructure:"monitor_channel_ids" json:"monitor_channel_ids"`

	// AdminUserIDs may run admin commands (VIP management, quota resets)
	AdminUserIDs []string `yaml:"admin_user_ids" mapstructure:"admin_user_ids" json:"admin_user_ids"`

	// CustomStatus is shown on the bot's profile once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// IsMonitoredChannel reports whether channelID is in the monitored
// channel allow-list.
func (c DiscordConfig) IsMonitoredChannel(channelID string) bool {
	return channelID != "" && slices.Contains(c.MonitorChannelIDs, channelID)
}

// IsAdmin reports whether userID may run admin commands. This is the
// only admin check.
func (c DiscordConfig) IsAdmin(userID string) bool {
	return userID != "" && slices.Contains(c.AdminUserIDs, userID)
}

// ChartConfig configures the chart-img API client.
type ChartConfig struct {
	// chart-img API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// TradingView shared layout ID used to render charts
	LayoutID string `yaml:"layout_id" mapstructure:"layout_id" json:"layout_id"`

	// Base URL of the chart-img API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// TradingView session cookie values, for private layouts
	TradingViewSessionID     string `yaml:"tradingview_session_id" mapstructure:"tradingview_session_id" json:"tradingview_session_id" log:"[redacted]"`
	TradingViewSessionIDSign string `yaml:"tradingview_session_id_sign" mapstructure:"tradingview_session_id_sign" json:"tradingview_session_id_sign" log:"[redacted]"`

	// Timeout for a single chart render request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	// MaxRequestsPerSecond paces outbound chart requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	Width  int `yaml:"width" mapstructure:"width" json:"width" binding:"min=100,max=4096"`
	Height int `yaml:"height" mapstructure:"height" json:"height" binding:"min=100,max=4096"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// WebhookConfig configures forwarding of bot mentions to an external
// webhook (ex: n8n).
type WebhookConfig struct {
	// Webhook URL. Forwarding is disabled when empty.
	URL string `yaml:"url" mapstructure:"url" json:"url" log:"[redacted]"`

	// Number of delivery attempts before giving up
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries" binding:"min=1,max=10"`

	// Timeout for each delivery attempt
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	// RetryBaseDelay is multiplied by 2^attempt between attempts
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay" json:"retry_base_delay"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// GeminiConfig configures the Gemini model used for chart-image analysis.
type GeminiConfig struct {
	// Gemini API key. Image analysis is disabled when empty.
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Timeout for a single analysis, including the image download
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// CleanupConfig configures the channel cleaner, which deletes noise
// (status notifications, one-word replies) from monitored channels.
type CleanupConfig struct {
	// Enabled starts the daily cleanup. Manual cleanups via the admin
	// command work either way.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Hour of the day (UTC) the daily cleanup runs
	Hour int `yaml:"hour" mapstructure:"hour" json:"hour" binding:"min=0,max=23"`

	// DeleteInterval paces message deletions. Zero disables pacing.
	DeleteInterval time.Duration `yaml:"delete_interval" mapstructure:"delete_interval" json:"delete_interval" binding:"min=0"`

	// MaxMessages is the most messages scanned per channel, per cleanup
	MaxMessages int `yaml:"max_messages" mapstructure:"max_messages" json:"max_messages" binding:"min=1,max=10000"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the automation API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Plain HTTP is served when no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response. send-chart
	// downloads attachments, so this should stay well above the chart timeout.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateWebhookConfig rejects non-HTTP webhook URLs and negative delays
func validateWebhookConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(WebhookConfig)
	if !ok {
		return
	}
	if cfg.RetryBaseDelay < 0 {
		sl.ReportError(cfg.RetryBaseDelay, "retry_base_delay", "RetryBaseDelay", "min", "0")
	}
	if cfg.URL == "" {
		return
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		sl.ReportError(cfg.URL, "url", "URL", "http_url", "")
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	chartLogLevel := &slog.LevelVar{}
	webhookLogLevel := &slog.LevelVar{}
	geminiLogLevel := &slog.LevelVar{}
	cleanupLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	chartLogLevel.Set(DefaultChartLogLevel)
	webhookLogLevel.Set(DefaultWebhookLogLevel)
	geminiLogLevel.Set(DefaultGeminiLogLevel)
	cleanupLogLevel.Set(DefaultCleanupLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RateLimit: &RateLimitConfig{
			DailyLimit: DefaultDailyLimit,
		},
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			MonitorChannelIDs: []string{},
			AdminUserIDs:      []string{},
			CustomStatus:      DefaultDiscordCustomStatus,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Chart: &ChartConfig{
			BaseURL:              DefaultChartBaseURL,
			Timeout:              DefaultChartTimeout,
			MaxRequestsPerSecond: DefaultChartMaxRequestsPerSecond,
			Width:                DefaultChartWidth,
			Height:               DefaultChartHeight,
			LogLevel:             chartLogLevel,
		},
		Webhook: &WebhookConfig{
			MaxRetries:     DefaultWebhookMaxRetries,
			Timeout:        DefaultWebhookTimeout,
			RetryBaseDelay: DefaultWebhookRetryBaseDelay,
			LogLevel:       webhookLogLevel,
		},
		Gemini: &GeminiConfig{
			Model:    DefaultGeminiModel,
			Timeout:  DefaultGeminiTimeout,
			LogLevel: geminiLogLevel,
		},
		Cleanup: &CleanupConfig{
			Hour:           DefaultCleanupHour,
			DeleteInterval: DefaultCleanupDeleteInterval,
			MaxMessages:    DefaultCleanupMaxMessages,
			LogLevel:       cleanupLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
