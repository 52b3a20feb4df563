// CoachRelay server entrypoint.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachrelay/coachrelay/internal/api"
	"github.com/coachrelay/coachrelay/internal/cache"
	"github.com/coachrelay/coachrelay/internal/genai"
	"github.com/coachrelay/coachrelay/internal/lockfile"
	"github.com/coachrelay/coachrelay/internal/orchestrator"
	"github.com/coachrelay/coachrelay/internal/router"
	"github.com/coachrelay/coachrelay/internal/scheduler"
	"github.com/coachrelay/coachrelay/internal/store"
	"github.com/coachrelay/coachrelay/internal/thread"
	"github.com/coachrelay/coachrelay/internal/tone"
	"github.com/coachrelay/coachrelay/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachRelay state data
	DefaultStateDir = "/var/lib/coachrelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachrelay.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// One instance per state directory; two servers sharing a SQLite file
	// would race the thread mappings.
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	provider, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize AI provider", "error", err)
		os.Exit(1)
	}

	patterns := cache.NewLibrary()
	replies := cache.NewReplyCache(flags.replyTTL())
	rt := router.New(patterns, buildRouterOptions(flags)...)
	threads := thread.NewManager(st, provider, buildThreadOptions(flags)...)
	orch := orchestrator.New(patterns, replies, rt, threads, provider, st, tone.NewTracker())

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.cleanupSpec, func() {
		remaining := orch.CleanupCaches()
		slog.Debug("main: cache cleanup ran", "remaining", remaining)
	}); err != nil {
		slog.Error("Failed to schedule cache cleanup", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(orch, buildAPIOptions(flags)...)
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		slog.Info("main: shutdown signal received", "signal", sig)
		if err := srv.Stop(); err != nil {
			slog.Error("main: server shutdown failed", "error", err)
		}
	}()

	slog.Info("Bootstrapping CoachRelay",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr)
	if err := srv.Run(); err != nil {
		slog.Error("CoachRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	CleanupSpec string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	apiAddr      *string
	cleanupSpec  *string
	routerPolicy *string
	window       *int
	maxTurns     *int
	retainTail   *int
	replyTTLHrs  *int
	systemPrompt *string
}

func (f Flags) replyTTL() time.Duration {
	return time.Duration(*f.replyTTLHrs) * time.Hour
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("COACHRELAY_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		CleanupSpec: os.Getenv("CACHE_CLEANUP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COACHRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.CleanupSpec == "" {
		config.CleanupSpec = scheduler.DefaultCleanupSpec
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"COACHRELAY_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CACHE_CLEANUP_SCHEDULE", config.CleanupSpec)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for CoachRelay data (overrides $COACHRELAY_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		cleanupSpec:  flag.String("cleanup-cron", config.CleanupSpec, "cron schedule for reply cache cleanup (overrides $CACHE_CLEANUP_SCHEDULE)"),
		routerPolicy: flag.String("router-policy", string(router.PolicyMemoryFirst), "routing priority: memory_first or cache_first"),
		window:       flag.Int("relationship-window", router.DefaultRelationshipWindow, "turns that always get the stateful path"),
		maxTurns:     flag.Int("max-thread-turns", thread.DefaultMaxTurns, "thread turn count that triggers pruning"),
		retainTail:   flag.Int("retain-tail", thread.DefaultRetainTail, "recent exchanges summarized into a pruned thread"),
		replyTTLHrs:  flag.Int("reply-ttl-hours", int(cache.DefaultReplyTTL/time.Hour), "generated reply cache TTL in hours"),
		systemPrompt: flag.String("system-prompt", "", "override the coach system prompt"),
	}

	flag.Parse()

	// A state-dir override moves the default SQLite file along with it.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated db DSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"routerPolicy", *flags.routerPolicy,
		"relationshipWindow", *flags.window,
		"maxThreadTurns", *flags.maxTurns)

	return flags
}

// buildStore selects the backend from the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	switch store.DetectDSNType(*flags.dbDSN) {
	case "postgres":
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	default:
		slog.Info("Using SQLite store", "path", *flags.dbDSN)
		return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
	}
}

// buildGenAIOptions constructs provider client options from flags.
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	prompt := *flags.systemPrompt
	if prompt == "" {
		prompt = orchestrator.DefaultSystemPrompt
	}
	opts = append(opts, genai.WithSystemPrompt(prompt))
	if d := util.ParseIntEnv("PROVIDER_TIMEOUT_SECONDS", 0); d > 0 {
		opts = append(opts, genai.WithTimeout(time.Duration(d)*time.Second))
	}
	return opts
}

// buildRouterOptions constructs router options from flags.
func buildRouterOptions(flags Flags) []router.Option {
	var opts []router.Option
	if *flags.routerPolicy != "" {
		opts = append(opts, router.WithPolicy(router.Policy(*flags.routerPolicy)))
	}
	if *flags.window > 0 {
		opts = append(opts, router.WithRelationshipWindow(*flags.window))
	}
	return opts
}

// buildThreadOptions constructs thread manager options from flags.
func buildThreadOptions(flags Flags) []thread.Option {
	var opts []thread.Option
	if *flags.maxTurns > 0 {
		opts = append(opts, thread.WithMaxTurns(*flags.maxTurns))
	}
	if *flags.retainTail > 0 {
		opts = append(opts, thread.WithRetainTail(*flags.retainTail))
	}
	return opts
}

// buildAPIOptions constructs API server options from flags.
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}
