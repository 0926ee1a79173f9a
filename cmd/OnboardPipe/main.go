package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/api"
	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/lockfile"
	"github.com/BTreeMap/OnboardPipe/internal/messaging"
	"github.com/BTreeMap/OnboardPipe/internal/metrics"
	"github.com/BTreeMap/OnboardPipe/internal/scheduler"
	"github.com/BTreeMap/OnboardPipe/internal/session"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/telegram"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OnboardPipe/internal/util"
	"github.com/BTreeMap/OnboardPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OnboardPipe state data
	DefaultStateDir = "/var/lib/onboardpipe"
	// DefaultAppDBFileName is the default SQLite ledger filename
	DefaultAppDBFileName = "onboardpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	slog.Info("Bootstrapping OnboardPipe with configured modules")
	if err := run(flags); err != nil {
		slog.Error("OnboardPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OnboardPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	OpenAIKey        string
	OpenAIModel      string
	OpenAIBaseURL    string
	APIAddr          string
	SessionTTL       time.Duration
	InboundRetention time.Duration
	Workers          int
	EnableWhatsApp   bool
	EnableTwilio     bool
	TelegramToken    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsAppDSN   *string
	openaiKey     *string
	openaiModel   *string
	openaiBaseURL *string
	apiAddr       *string
	sessionTTL    *time.Duration
	retention     *time.Duration
	workers       *int
	whatsApp      *bool
	twilio        *bool
	telegramToken *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:         os.Getenv("ONBOARDPIPE_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		SessionTTL:       util.ParseDurationEnv("SESSION_IDLE_TTL", session.DefaultIdleTTL),
		InboundRetention: util.ParseDurationEnv("INBOUND_RETENTION", scheduler.DefaultInboundRetention),
		Workers:          util.ParseIntEnv("CHANNEL_WORKERS", messaging.DefaultWorkers),
		EnableWhatsApp:   util.ParseBoolEnv("ENABLE_WHATSAPP", false),
		EnableTwilio:     util.ParseBoolEnv("ENABLE_TWILIO", false),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ONBOARDPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_URL is accepted for platforms that only provide that name
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"ONBOARDPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"SESSION_IDLE_TTL", config.SessionTTL,
		"ENABLE_WHATSAPP", config.EnableWhatsApp,
		"ENABLE_TWILIO", config.EnableTwilio,
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "")

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for OnboardPipe data (overrides $ONBOARDPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "ledger database DSN (overrides $DATABASE_DSN)"),
		whatsAppDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)"),
		openaiBaseURL: fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible endpoint (overrides $OPENAI_BASE_URL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sessionTTL:    fs.Duration("session-ttl", config.SessionTTL, "idle session eviction timeout, 0 disables (overrides $SESSION_IDLE_TTL)"),
		retention:     fs.Duration("inbound-retention", config.InboundRetention, "how long inbound message ids are kept for deduplication (overrides $INBOUND_RETENTION)"),
		workers:       fs.Int("workers", config.Workers, "concurrent inbound chat messages per channel (overrides $CHANNEL_WORKERS)"),
		whatsApp:      fs.Bool("whatsapp", config.EnableWhatsApp, "enable the WhatsApp channel (overrides $ENABLE_WHATSAPP)"),
		twilio:        fs.Bool("twilio", config.EnableTwilio, "enable the Twilio WhatsApp channel (overrides $ENABLE_TWILIO)"),
		telegramToken: fs.String("telegram-token", config.TelegramToken, "Telegram bot token, enables the Telegram channel (overrides $TELEGRAM_BOT_TOKEN)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a state directory override when the DSNs were derived from the default one
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.whatsAppDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsAppDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"sessionTTL", *flags.sessionTTL,
		"whatsApp", *flags.whatsApp,
		"twilio", *flags.twilio,
		"telegram", *flags.telegramToken != "")
	return flags, nil
}

// run wires the modules together and blocks until a signal arrives or a
// module fails.
func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(scheduler.DefaultPruneSchedule, scheduler.PruneInboundJob(st, *flags.retention, nil)); err != nil {
		return fmt.Errorf("failed to schedule inbound pruning: %w", err)
	}

	sessions := session.NewManager(buildGateway(flags, m),
		session.WithIdleTTL(*flags.sessionTTL),
		session.WithMetrics(m),
		session.WithObserver(m.Observer()),
		session.WithObserver(flow.NewTransitionLedger(st)),
	)

	services, twilioSvc, cleanup, err := buildServices(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	server := api.NewServer(sessions, st, buildAPIOptions(flags, reg, twilioSvc)...)
	conv := messaging.NewConversator(sessions, st, messaging.WithMetrics(m), messaging.WithWorkers(*flags.workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sessions.Run(gctx) })
	for _, svc := range services {
		if err := svc.Start(gctx); err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("failed to start %s channel: %w", svc.Name(), err)
		}
		g.Go(func() error { return conv.Run(gctx, svc) })
		g.Go(func() error {
			<-gctx.Done()
			return svc.Stop()
		})
	}
	slog.Info("OnboardPipe running", "channels", len(services), "gatewayAvailable", *flags.openaiKey != "")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.openaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	return genaiOpts
}

// buildGateway returns the instrumented model gateway, or nil when no API key
// is configured so that sessions report the gateway as unavailable.
func buildGateway(flags Flags, m *metrics.Metrics) genai.Gateway {
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Warn("Model gateway unavailable; conversations will be rejected until an API key is configured", "error", err)
		return nil
	}
	return metrics.InstrumentGateway(client, m)
}

// buildServices creates the enabled chat channels. cleanup disconnects
// clients that hold connections outside their Service.
func buildServices(ctx context.Context, flags Flags) ([]messaging.Service, *messaging.TwilioService, func(), error) {
	var services []messaging.Service
	var twilioSvc *messaging.TwilioService
	cleanup := func() {}

	if *flags.whatsApp {
		waClient, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		cleanup = waClient.Disconnect
		services = append(services, messaging.NewWhatsAppService(waClient))
	}
	if *flags.twilio {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			cleanup()
			return nil, nil, func() {}, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twilioSvc = messaging.NewTwilioService(client)
		services = append(services, twilioSvc)
	}
	if *flags.telegramToken != "" {
		bot, err := telegram.NewClient(telegram.WithToken(*flags.telegramToken))
		if err != nil {
			cleanup()
			return nil, nil, func() {}, fmt.Errorf("failed to create Telegram client: %w", err)
		}
		services = append(services, messaging.NewTelegramService(bot))
	}
	return services, twilioSvc, cleanup, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsAppDSN))
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, gatherer prometheus.Gatherer, twilioSvc *messaging.TwilioService) []api.Option {
	apiOpts := []api.Option{api.WithGatherer(gatherer)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(http.HandlerFunc(twilioSvc.WebhookHandler)))
	}
	return apiOpts
}
