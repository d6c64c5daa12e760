// MoodMender is the backend of a companion chat that listens, remembers
// what users share, and answers low moods with memes.
//
// It serves a JSON HTTP API for accounts and conversation history and a
// websocket at /llm_chat/{conversation_id} that relays text and voice
// turns to a hosted language model. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	moodmender serve             Start the API server
//	moodmender init [dir]        Write a starter config.yaml and .env
//	moodmender migrate           Create or upgrade database schemas
//	moodmender usage [days]      Summarize model token usage and cost
//	moodmender version           Print version and build information
//	moodmender -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/moodmender/internal/agent"
	"github.com/nugget/moodmender/internal/api"
	"github.com/nugget/moodmender/internal/auth"
	"github.com/nugget/moodmender/internal/buildinfo"
	"github.com/nugget/moodmender/internal/config"
	"github.com/nugget/moodmender/internal/connwatch"
	"github.com/nugget/moodmender/internal/conversations"
	"github.com/nugget/moodmender/internal/events"
	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/httpkit"
	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/memes"
	"github.com/nugget/moodmender/internal/mqtt"
	"github.com/nugget/moodmender/internal/relay"
	"github.com/nugget/moodmender/internal/speech"
	"github.com/nugget/moodmender/internal/tools"
	"github.com/nugget/moodmender/internal/usage"
)

// main only builds the OS-level environment and hands off to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout, and args is os.Args[1:]. Arguments are
// parsed by hand because the flag package's globals get in the way of
// calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "migrate":
		return runMigrate(ctx, stdout, configPath)
	case "usage":
		days := 1
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 1 {
				return fmt.Errorf("usage: moodmender usage [days]")
			}
			days = n
		}
		return runUsage(ctx, stdout, configPath, outputFmt, days)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "MoodMender - companion chat backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: moodmender [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a starter config.yaml and .env (default: .)")
	fmt.Fprintln(w, "  migrate      Create or upgrade database schemas and exit")
	fmt.Fprintln(w, "  usage [days] Summarize token usage and cost (default: 1 day)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/moodmender/config.yaml, /etc/moodmender/config.yaml")
	return nil
}

// runMigrate opens every store, which applies its schema, and exits.
func runMigrate(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath, "memory_backend", cfg.Memory.Backend)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	st.Close(logger)

	logger.Info("migrations complete", "data_dir", cfg.DataDir)
	return nil
}

// runServe loads config, opens the stores, wires the turn pipeline and
// blocks serving HTTP until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the signal cancels ctx
//  2. MQTT publishes offline and disconnects
//  3. the HTTP server drains
//  4. health probes stop
//  5. stores close in reverse open order
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting MoodMender", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		// Already checked by Validate.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"utility_model", cfg.LLM.UtilityModel,
		"memory_backend", cfg.Memory.Backend,
		"memory_scope", cfg.Memory.Scope,
		"meme_sampling", cfg.Meme.Sampling,
	)

	// Background workers below stop with the signal context.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Stores ---
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	bus := events.New()
	stats := mqtt.NewStats(nil)

	// --- Dependency health ---
	// Reported on /health and published on the bus. Probing never
	// blocks startup.
	monitor := connwatch.NewMonitor(bus, logger)
	defer monitor.Stop()
	if st.pg != nil {
		monitor.Watch(ctx, "postgres", st.pg.Ping, connwatch.DefaultSchedule())
	}

	// --- LLM client ---
	// Every completion, chat or utility, reports usage to stats.
	multi, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	llmClient := llm.Observed(multi, stats)

	// --- Usage ledger ---
	recorder := usage.NewRecorder(st.usage, cfg.LLM.Pricing, logger)
	usageSub := bus.Subscribe(256)
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(ctx, usageSub)
	}()
	defer func() {
		usageSub.Close()
		<-recorderDone
	}()

	counter, err := agent.NewTiktokenCounter()
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	// --- Turn pipeline ---
	memories := facts.NewMemories(st.facts, cfg.Memory.Scope, logger)
	composer := agent.NewComposer(memories, counter, cfg.Agent.TokenCeiling, logger)
	executor := agent.NewExecutor(agent.ExecutorConfig{
		Client:        llmClient,
		Model:         cfg.LLM.Model,
		History:       st.checkpoints,
		Composer:      composer,
		Tools:         tools.Defs(),
		MaxIterations: cfg.Agent.MaxIterations,
		Bus:           bus,
		Logger:        logger,
	})

	memeHTTP := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	monitor.Watch(ctx, "imgflip", httpProbe(memeHTTP, cfg.Meme.BaseURL), connwatch.DefaultSchedule())
	imgflip := memes.NewImgflip(cfg.Meme.BaseURL, cfg.Meme.Username, cfg.Meme.Password, memeHTTP)
	generator := memes.NewGenerator(imgflip, llmClient, cfg.LLM.UtilityModel, cfg.Meme.Sampling, cfg.Meme.DefaultCount, logger)
	dispatcher := tools.NewDispatcher(generator, memories, logger)
	driver := agent.NewDriver(executor, dispatcher, bus, logger)

	labeler := conversations.NewLabeler(llmClient, cfg.LLM.UtilityModel)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.CookieSecure)

	// --- Speech ---
	// Optional. Without it, audio frames get an error reply.
	var engine speech.Engine
	if cfg.Speech.Configured() {
		speechHTTP := httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute))
		engine = speech.NewWhisper(cfg.Speech.BaseURL, cfg.Speech.APIKey, cfg.Speech.Model,
			cfg.Speech.Language, cfg.Speech.MaxAudioBytes, speechHTTP, logger)
		monitor.Watch(ctx, "speech", httpProbe(speechHTTP, cfg.Speech.BaseURL), connwatch.DefaultSchedule())
		logger.Info("speech enabled", "url", cfg.Speech.BaseURL, "model", cfg.Speech.Model)
	} else {
		logger.Info("speech disabled (not configured)")
	}

	chat := relay.New(relay.Config{
		Auth:           issuer,
		Conversations:  st.conversations,
		Labeler:        labeler,
		Driver:         driver,
		Speech:         engine,
		Bus:            bus,
		Logger:         logger,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Users:          st.users,
		Profiles:       memories,
		Conversations:  st.conversations,
		Labeler:        labeler,
		History:        st.checkpoints,
		Auth:           issuer,
		Chat:           chat,
		Health:         monitor,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		monitor.Watch(ctx, "mqtt", mqttPub.AwaitConnection, connwatch.DefaultSchedule())
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Graceful shutdown ---
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	// Start blocks until Shutdown is called or the listener fails.
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-shutdownDone
		return fmt.Errorf("server failed: %w", err)
	}
	<-shutdownDone

	logger.Info("MoodMender stopped")
	return nil
}

// newLogger creates the root structured logger. Format is "text" or
// "json"; anything else falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration. A .env
// file beside the config, then one in the working directory, is loaded
// first so ${VAR} references resolve.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	// Variables already set win.
	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(cfgPath), ".env"), ".env"); err != nil {
		return nil, cfgPath, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// createLLMClient registers a client for each configured provider and
// routes the chat and utility models to them.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(time.Duration(cfg.LLM.TimeoutSec)*time.Second),
		httpkit.WithLogger(logger),
	)

	multi := llm.NewMultiClient(nil)
	for _, p := range cfg.LLM.Providers() {
		switch p {
		case "anthropic":
			multi.AddProvider(p, llm.NewAnthropicClient(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.BaseURL, cfg.LLM.MaxTokens, httpClient, logger))
		case "openai":
			multi.AddProvider(p, llm.NewOpenAIClient(cfg.LLM.OpenAI.BaseURL, cfg.LLM.OpenAI.APIKey, cfg.LLM.MaxTokens, httpClient, logger))
		default:
			return nil, fmt.Errorf("unknown llm provider %q", p)
		}
		logger.Info("llm provider configured", "provider", p)
	}

	multi.AddModel(cfg.LLM.Model, cfg.LLM.Provider)
	multi.AddModel(cfg.LLM.UtilityModel, cfg.LLM.UtilityProvider)
	return multi, nil
}
