// agentd server — serves the chat HTTP API, routes tool calls to MCP
// servers, and manages OAuth connections and background maintenance.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"

	"github.com/relaydesk/agentd/pkg/agent"
	"github.com/relaydesk/agentd/pkg/api"
	"github.com/relaydesk/agentd/pkg/cache"
	"github.com/relaydesk/agentd/pkg/cleanup"
	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/crypto"
	"github.com/relaydesk/agentd/pkg/database"
	"github.com/relaydesk/agentd/pkg/mcp"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
	"github.com/relaydesk/agentd/pkg/slack"
	"github.com/relaydesk/agentd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	seed := flag.Bool("seed", false,
		"Seed a development user and device session, print the token, and exit")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting agentd",
		"version", version.Full(),
		"env", cfg.Env,
		"http_port", cfg.HTTPPort,
		"config_dir", *configDir)

	// 2. Connect to the database (runs migrations)
	dbClient, err := database.NewClient(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	pool := dbClient.Pool()
	slog.Info("Connected to PostgreSQL database")

	// 3. Token vault and domain services
	vault, err := crypto.NewVault(cfg.FernetKey, cfg.FernetKeys)
	if err != nil {
		slog.Error("Failed to initialize token vault", "error", err)
		os.Exit(1)
	}

	warningsService := services.NewSystemWarningsService()
	slackNotifier := slack.NewNotifier(slack.NotifierConfig{
		Token:   cfg.Slack.BotToken,
		Channel: cfg.Slack.ChannelID,
	}, warningsService, nil)
	slackNotifier.Start(ctx)
	defer slackNotifier.Stop()

	deviceService := services.NewDeviceService(pool, 0, 0, nil)
	threadService := services.NewThreadService(pool, nil)
	usageService := services.NewUsageService(pool, nil)
	slog.Info("Services initialized")

	if *seed {
		if err := runSeed(ctx, pool, deviceService, usageService); err != nil {
			slog.Error("Seeding failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// 4. OAuth manager and refresh scheduler
	var providers []oauth.Provider
	if cfg.Notion.ClientID != "" {
		providers = append(providers,
			oauth.NewNotionProvider(cfg.Notion.ClientID, cfg.Notion.ClientSecret, cfg.Notion.RedirectURI))
	}
	oauthManager := oauth.NewManager(pool, vault, cfg.OAuth, warningsService, nil, providers...)

	var scheduler *oauth.Scheduler
	if cfg.OAuth.BackgroundRefreshEnabled {
		scheduler = oauth.NewScheduler(oauthManager, pool, cfg.OAuth, nil)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	// 5. Tool-result cache
	cacheStore := cache.NewStore(pool, cache.Options{
		MaxValueBytes: cfg.Cache.MaxValueBytes,
		StaleGrace:    cfg.Cache.StaleGrace,
	})

	// 6. MCP infrastructure
	mcpClient := mcp.NewClient(cfg.MCPServerRegistry, nil)
	defer func() {
		if err := mcpClient.Close(); err != nil {
			slog.Error("Error closing MCP client", "error", err)
		}
	}()

	healthMonitor := mcp.NewHealthMonitor(mcpClient, cfg.MCPServerRegistry, warningsService, nil)
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	var userPool *mcp.UserClientPool
	if cfg.Features.NotionTools {
		userPool = mcp.NewUserClientPool(oauthManager, "notion", "", nil)
	}

	interceptor := mcp.NewInterceptor(cacheStore, threadService, mcp.DefaultCacheability(), nil)
	router := mcp.NewRouter(mcpClient, cfg.MCPServerRegistry, userPool, interceptor, healthMonitor, nil)
	defer func() {
		if err := router.Close(); err != nil {
			slog.Error("Error closing MCP router", "error", err)
		}
	}()

	if failed := router.Startup(ctx); len(failed) > 0 {
		for serverID, reason := range failed {
			slog.Warn("MCP server unavailable at startup", "server_id", serverID, "reason", reason)
		}
	}
	slog.Info("MCP infrastructure initialized",
		"servers", len(cfg.MCPServerRegistry.ServerIDs()),
		"notion_tools", cfg.Features.NotionTools)

	// 7. Agent orchestrator
	anthropicClient := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	orchestrator := agent.NewOrchestrator(
		&anthropicClient.Messages, router, usageService, cfg.AnthropicModel, cfg.Agent, nil)

	// 8. Background cleanup
	cleanupService := cleanup.NewService(cleanup.Options{},
		deviceService, threadService, oauthManager, cacheStore, nil)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 9. Create HTTP server
	httpServer := api.NewServer(cfg, api.ServerDeps{
		DB:        dbClient,
		Devices:   deviceService,
		Threads:   threadService,
		Warnings:  warningsService,
		OAuth:     oauthManager,
		MCPRouter: router,
		Runner:    orchestrator,
	})

	// 10. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("agentd started successfully")

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop accepting requests, let in-flight runs
	// finish, then the deferred Stops unwind the background services.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
