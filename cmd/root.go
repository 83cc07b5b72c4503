package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/stockbot/stockbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = stockbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "stockbot [flags]",
	Short: "Discord bot for stock charts, trend predictions and chart analysis",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
					StringToListHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ('DEBUG', 'info', ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// StringToListHookFunc decodes strings into []string fields, split on
// commas and whitespace. Env vars like SB_DISCORD_ADMIN_USER_IDS="1,2"
// and SB_API_CORS_ALLOW_METHODS="GET POST" both decode this way.
func StringToListHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return splitList(data.(string)), nil
	}
}

// splitList splits s on commas and whitespace, dropping empty entries
func splitList(s string) []string {
	ids := strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		},
	)
	if ids == nil {
		return []string{}
	}
	return ids
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", stockbot.DefaultDatabase)
	viper.SetDefault("database_type", stockbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", stockbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", stockbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", stockbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", stockbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", stockbot.DefaultShutdownTimeout)

	viper.SetDefault("rate_limit.daily_limit", stockbot.DefaultDailyLimit)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.command_prefix", stockbot.DefaultCommandPrefix)
	viper.SetDefault("discord.monitor_channel_ids", []string{})
	viper.SetDefault("discord.admin_user_ids", []string{})
	viper.SetDefault("discord.custom_status", stockbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.log_level", stockbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", stockbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", stockbot.DefaultDiscordGatewayIntent)

	// Chart API
	viper.SetDefault("chart.api_key", "")
	viper.SetDefault("chart.layout_id", "")
	viper.SetDefault("chart.base_url", stockbot.DefaultChartBaseURL)
	viper.SetDefault("chart.tradingview_session_id", "")
	viper.SetDefault("chart.tradingview_session_id_sign", "")
	viper.SetDefault("chart.timeout", stockbot.DefaultChartTimeout)
	viper.SetDefault("chart.max_requests_per_second", stockbot.DefaultChartMaxRequestsPerSecond)
	viper.SetDefault("chart.width", stockbot.DefaultChartWidth)
	viper.SetDefault("chart.height", stockbot.DefaultChartHeight)
	viper.SetDefault("chart.log_level", stockbot.DefaultChartLogLevel.String())

	// Mention forwarding
	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.max_retries", stockbot.DefaultWebhookMaxRetries)
	viper.SetDefault("webhook.timeout", stockbot.DefaultWebhookTimeout)
	viper.SetDefault("webhook.retry_base_delay", stockbot.DefaultWebhookRetryBaseDelay)
	viper.SetDefault("webhook.log_level", stockbot.DefaultWebhookLogLevel.String())

	// Chart image analysis
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", stockbot.DefaultGeminiModel)
	viper.SetDefault("gemini.timeout", stockbot.DefaultGeminiTimeout)
	viper.SetDefault("gemini.log_level", stockbot.DefaultGeminiLogLevel.String())

	// Channel cleanup
	viper.SetDefault("cleanup.enabled", false)
	viper.SetDefault("cleanup.hour", stockbot.DefaultCleanupHour)
	viper.SetDefault("cleanup.delete_interval", stockbot.DefaultCleanupDeleteInterval)
	viper.SetDefault("cleanup.max_messages", stockbot.DefaultCleanupMaxMessages)
	viper.SetDefault("cleanup.log_level", stockbot.DefaultCleanupLogLevel.String())

	// API server
	viper.SetDefault("api.listen", stockbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", stockbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", stockbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", stockbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", stockbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", stockbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", stockbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", stockbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", stockbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", stockbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", stockbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", stockbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(stockbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = stockbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
