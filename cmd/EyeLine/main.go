package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/EyeLine/internal/api"
	"github.com/BTreeMap/EyeLine/internal/flow"
	"github.com/BTreeMap/EyeLine/internal/genai"
	"github.com/BTreeMap/EyeLine/internal/lockfile"
	"github.com/BTreeMap/EyeLine/internal/messaging"
	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/BTreeMap/EyeLine/internal/ratelimit"
	"github.com/BTreeMap/EyeLine/internal/reply"
	"github.com/BTreeMap/EyeLine/internal/scheduler"
	"github.com/BTreeMap/EyeLine/internal/store"
	"github.com/BTreeMap/EyeLine/internal/util"
	"github.com/BTreeMap/EyeLine/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for EyeLine state data
	DefaultStateDir = "/var/lib/eyeline"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "eyeline.db"
	// DefaultWhatsmeowDBFileName holds the whatsmeow device session
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// DefaultRateLimit is messages per user per minute
	DefaultRateLimit = 20
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(exitCode(err))
	}
	resolveStoragePaths(&flags)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Serialization of a user's turns is per process, so one SQLite state directory gets one process.
	if usesLocalState(flags) {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	mods := api.Modules{
		Store:     buildStoreOptions(flags),
		GenAI:     buildGenAIOptions(flags),
		Reply:     buildReplyOptions(flags),
		Flow:      buildFlowOptions(flags),
		RateLimit: buildRateLimitOptions(flags),
		WhatsApp:  buildWhatsAppOptions(flags),
		API:       buildAPIOptions(flags),

		Housekeeping: buildHousekeepingOptions(flags),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping EyeLine with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"db_type", store.DetectDSNType(*flags.dbDSN),
		"api_addr", *flags.apiAddr,
		"default_lang", *flags.defaultLang,
		"llm_model", *flags.llmModel,
		"llm_timeout", *flags.llmTimeout,
		"rate_limit", *flags.rateLimit,
		"redis_set", *flags.redisURL != "",
		"whatsmeow", *flags.whatsmeow)
	if err := api.Run(ctx, mods); err != nil {
		slog.Error("EyeLine failed to run", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("EyeLine exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	DefaultLang      string
	LLMAPIKey        string
	LLMBaseURL       string
	LLMModel         string
	LLMTimeout       time.Duration
	LLMTemperature   float64
	LLMMaxTokens     int
	MaxWords         int
	HistoryLimit     int
	RateLimit        int
	RedisURL         string
	AdminToken       string
	AdminNumber      string
	TwilioAuthToken  string
	PublicURL        string
	WhatsmeowEnabled bool
	WhatsmeowDSN     string
	LogLevel         string

	HousekeepingSchedule string
	DedupRetention       time.Duration
	OutboxRetention      time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	apiAddr         *string
	defaultLang     *string
	llmAPIKey       *string
	llmBaseURL      *string
	llmModel        *string
	llmTimeout      *time.Duration
	llmTemperature  *float64
	llmMaxTokens    *int
	maxWords        *int
	historyLimit    *int
	rateLimit       *int
	redisURL        *string
	adminToken      *string
	adminNumber     *string
	twilioAuthToken *string
	publicURL       *string
	whatsmeow       *bool
	whatsmeowDSN    *string
	qrOutput        *string
	numeric         *bool

	housekeeping    *string
	dedupRetention  *time.Duration
	outboxRetention *time.Duration
}

// parseLogLevel maps LOG_LEVEL to a slog level; anything unrecognized is debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger installs a text handler on stdout as the default logger
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("EYELINE_STATE_DIR"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		APIAddr:          os.Getenv("API_ADDR"),
		DefaultLang:      os.Getenv("DEFAULT_LANG"),
		LLMAPIKey:        util.FirstEnv("LLM_API_KEY", "GROQ_API_KEY", "OPENAI_API_KEY"),
		LLMBaseURL:       os.Getenv("LLM_BASE_URL"),
		LLMModel:         os.Getenv("LLM_MODEL"),
		LLMTimeout:       util.ParseDurationEnv("LLM_TIMEOUT", genai.DefaultTimeout),
		LLMTemperature:   util.ParseFloatEnv("LLM_TEMPERATURE", genai.DefaultTemperature),
		LLMMaxTokens:     util.ParseIntEnv("LLM_MAX_TOKENS", 0),
		MaxWords:         util.ParseIntEnv("MAX_WORDS", reply.DefaultMaxWords),
		HistoryLimit:     util.ParseIntEnv("HISTORY_LIMIT", flow.DefaultHistoryLimit),
		RateLimit:        util.ParseIntEnv("RATE_LIMIT_PER_MIN", DefaultRateLimit),
		RedisURL:         os.Getenv("REDIS_URL"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		AdminNumber:      os.Getenv("ADMIN_NUMBER"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicURL:        os.Getenv("PUBLIC_WEBHOOK_URL"),
		WhatsmeowEnabled: util.ParseBoolEnv("WHATSMEOW_ENABLED", false),
		WhatsmeowDSN:     strings.TrimSpace(os.Getenv("WHATSMEOW_DB_DSN")),
		LogLevel:         os.Getenv("LOG_LEVEL"),

		HousekeepingSchedule: strings.TrimSpace(os.Getenv("HOUSEKEEPING_SCHEDULE")),
		DedupRetention:       util.ParseDurationEnv("DEDUP_RETENTION", scheduler.DefaultDedupRetention),
		OutboxRetention:      util.ParseDurationEnv("OUTBOX_RETENTION", scheduler.DefaultOutboxRetention),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.DefaultLang == "" {
		config.DefaultLang = string(models.LanguageES)
	}
	if config.LLMBaseURL == "" {
		config.LLMBaseURL = genai.DefaultBaseURL
	}
	if config.LLMModel == "" {
		config.LLMModel = genai.DefaultModel
	}
	if config.HousekeepingSchedule == "" {
		config.HousekeepingSchedule = scheduler.DefaultHousekeepingSchedule
	}

	slog.Debug("environment variables loaded",
		"EYELINE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"DEFAULT_LANG", config.DefaultLang,
		"LLM_API_KEY_SET", config.LLMAPIKey != "",
		"LLM_BASE_URL", config.LLMBaseURL,
		"LLM_MODEL", config.LLMModel,
		"LLM_TIMEOUT", config.LLMTimeout,
		"LLM_TEMPERATURE", config.LLMTemperature,
		"LLM_MAX_TOKENS", config.LLMMaxTokens,
		"MAX_WORDS", config.MaxWords,
		"HISTORY_LIMIT", config.HistoryLimit,
		"RATE_LIMIT_PER_MIN", config.RateLimit,
		"REDIS_URL_SET", config.RedisURL != "",
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"ADMIN_NUMBER_SET", config.AdminNumber != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"PUBLIC_WEBHOOK_URL", config.PublicURL,
		"WHATSMEOW_ENABLED", config.WhatsmeowEnabled,
		"HOUSEKEEPING_SCHEDULE", config.HousekeepingSchedule)

	return config
}

// parseCommandLineFlags parses args with environment values as defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for EyeLine data (overrides $EYELINE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL; default <state-dir>/eyeline.db)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "HTTP listen address (overrides $API_ADDR)"),
		defaultLang:     fs.String("default-lang", config.DefaultLang, "language for new users, es or en (overrides $DEFAULT_LANG)"),
		llmAPIKey:       fs.String("llm-api-key", config.LLMAPIKey, "inference API key (overrides $LLM_API_KEY, $GROQ_API_KEY, $OPENAI_API_KEY)"),
		llmBaseURL:      fs.String("llm-base-url", config.LLMBaseURL, "OpenAI-compatible base URL (overrides $LLM_BASE_URL)"),
		llmModel:        fs.String("llm-model", config.LLMModel, "model identifier (overrides $LLM_MODEL)"),
		llmTimeout:      fs.Duration("llm-timeout", config.LLMTimeout, "inference deadline (overrides $LLM_TIMEOUT)"),
		llmTemperature:  fs.Float64("llm-temperature", config.LLMTemperature, "sampling temperature (overrides $LLM_TEMPERATURE)"),
		llmMaxTokens:    fs.Int("llm-max-tokens", config.LLMMaxTokens, "completion token cap, 0 leaves it to the server (overrides $LLM_MAX_TOKENS)"),
		maxWords:        fs.Int("max-words", config.MaxWords, "reply word cap (overrides $MAX_WORDS)"),
		historyLimit:    fs.Int("history-limit", config.HistoryLimit, "prior turns sent to the model (overrides $HISTORY_LIMIT)"),
		rateLimit:       fs.Int("rate-limit", config.RateLimit, "messages per user per minute, <=0 disables (overrides $RATE_LIMIT_PER_MIN)"),
		redisURL:        fs.String("redis-url", config.RedisURL, "Redis URL for a shared rate limiter (overrides $REDIS_URL)"),
		adminToken:      fs.String("admin-token", config.AdminToken, "shared secret for GET /admin/appointments (overrides $ADMIN_TOKEN)"),
		adminNumber:     fs.String("admin-number", config.AdminNumber, "WhatsApp number allowed to send LISTA CITAS (overrides $ADMIN_NUMBER)"),
		twilioAuthToken: fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token for signature checks (overrides $TWILIO_AUTH_TOKEN)"),
		publicURL:       fs.String("public-url", config.PublicURL, "public webhook URL used for signature checks (overrides $PUBLIC_WEBHOOK_URL)"),
		whatsmeow:       fs.Bool("whatsmeow", config.WhatsmeowEnabled, "also serve conversations over a whatsmeow session (overrides $WHATSMEOW_ENABLED)"),
		whatsmeowDSN:    fs.String("whatsmeow-dsn", config.WhatsmeowDSN, "whatsmeow device store DSN (overrides $WHATSMEOW_DB_DSN)"),
		qrOutput:        fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:         fs.Bool("numeric-code", false, "print the raw whatsmeow login code instead of a QR code"),
		housekeeping:    fs.String("housekeeping", config.HousekeepingSchedule, "cron expression for pruning dedup and outbox rows, or off (overrides $HOUSEKEEPING_SCHEDULE)"),
		dedupRetention:  fs.Duration("dedup-retention", config.DedupRetention, "how long inbound message IDs are remembered (overrides $DEDUP_RETENTION)"),
		outboxRetention: fs.Duration("outbox-retention", config.OutboxRetention, "how long sent and failed outbox rows are kept (overrides $OUTBOX_RETENTION)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"defaultLang", *flags.defaultLang,
		"llmKeySet", *flags.llmAPIKey != "",
		"llmTimeout", *flags.llmTimeout,
		"maxWords", *flags.maxWords,
		"rateLimit", *flags.rateLimit,
		"whatsmeow", *flags.whatsmeow,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric)
	return flags, nil
}

// resolveStoragePaths fills database locations left empty with files in the state directory.
func resolveStoragePaths(flags *Flags) {
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.whatsmeowDSN == "" {
		*flags.whatsmeowDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"
	}
}

// usesLocalState reports whether any database lives in the state directory.
func usesLocalState(flags Flags) bool {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		return true
	}
	return *flags.whatsmeow && store.DetectDSNType(*flags.whatsmeowDSN) != "postgres"
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based database.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.dbDSN)))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// sqlitePath strips the file: scheme and query parameters from an SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs inference gateway options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.llmAPIKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.llmAPIKey))
	}
	if *flags.llmBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(*flags.llmBaseURL))
	}
	if *flags.llmModel != "" {
		opts = append(opts, genai.WithModel(*flags.llmModel))
	}
	if *flags.llmTimeout > 0 {
		opts = append(opts, genai.WithTimeout(*flags.llmTimeout))
	}
	if *flags.llmTemperature >= 0 {
		opts = append(opts, genai.WithTemperature(*flags.llmTemperature))
	}
	if *flags.llmMaxTokens > 0 {
		opts = append(opts, genai.WithMaxTokens(*flags.llmMaxTokens))
	}
	return opts
}

// buildReplyOptions constructs reply composer options
func buildReplyOptions(flags Flags) []reply.Option {
	if *flags.maxWords > 0 {
		return []reply.Option{reply.WithMaxWords(*flags.maxWords)}
	}
	return nil
}

// buildFlowOptions constructs conversation engine options
func buildFlowOptions(flags Flags) []flow.Option {
	opts := []flow.Option{
		flow.WithDefaultLanguage(models.ParseLanguage(*flags.defaultLang, models.LanguageES)),
		flow.WithHistoryLimit(*flags.historyLimit),
	}
	if admin := messaging.CanonicalAddress(*flags.adminNumber); admin != "" {
		opts = append(opts, flow.WithAdminID(admin))
	}
	return opts
}

// buildRateLimitOptions constructs per-user limiter options
func buildRateLimitOptions(flags Flags) []ratelimit.Option {
	opts := []ratelimit.Option{ratelimit.WithLimit(*flags.rateLimit)}
	if *flags.redisURL != "" {
		opts = append(opts, ratelimit.WithRedisURL(*flags.redisURL))
	}
	return opts
}

// buildWhatsAppOptions constructs whatsmeow client options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var opts []whatsapp.Option
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if *flags.whatsmeowDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(*flags.whatsmeowDSN))
	}
	return opts
}

// buildAPIOptions constructs HTTP server options
func buildAPIOptions(flags Flags) []api.Option {
	opts := []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithWhatsmeow(*flags.whatsmeow),
	}
	if *flags.adminToken != "" {
		opts = append(opts, api.WithAdminToken(*flags.adminToken))
	}
	if *flags.twilioAuthToken != "" {
		opts = append(opts, api.WithTwilioAuthToken(*flags.twilioAuthToken))
	}
	if *flags.publicURL != "" {
		opts = append(opts, api.WithPublicURL(*flags.publicURL))
	}
	return opts
}

// buildHousekeepingOptions constructs pruning job options
func buildHousekeepingOptions(flags Flags) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithSchedule(*flags.housekeeping),
		scheduler.WithDedupRetention(*flags.dedupRetention),
		scheduler.WithOutboxRetention(*flags.outboxRetention),
	}
}

// exitCode maps a flag parsing error to the process exit status; -h is not a failure.
func exitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}
