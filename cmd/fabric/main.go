// Package main is the entry point for the fabric backend.
// A single binary runs the realtime gateway, listener supervisor, agent
// runtime, RPC router and planned-task scheduler with shared infrastructure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	// Common packages
	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/tracing"

	// Stores
	"github.com/comptio/fabric/internal/cache"
	"github.com/comptio/fabric/internal/chat"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/kv"
	"github.com/comptio/fabric/internal/rtdb"
	"github.com/comptio/fabric/internal/session"
	"github.com/comptio/fabric/internal/workflow"

	// Realtime fabric
	gatewayws "github.com/comptio/fabric/internal/gateway/websocket"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/listener"
	"github.com/comptio/fabric/internal/presence"
	ws "github.com/comptio/fabric/pkg/websocket"

	// Agent + RPC surface
	"github.com/comptio/fabric/internal/agent"
	"github.com/comptio/fabric/internal/clients"
	"github.com/comptio/fabric/internal/lpt"
	"github.com/comptio/fabric/internal/pages"
	"github.com/comptio/fabric/internal/rpc"
	"github.com/comptio/fabric/internal/scheduler"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// pageCacheTTL is the lifetime of assembled page payloads.
const pageCacheTTL = 5 * time.Minute

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting fabric...", zap.String("version", version), zap.String("region", cfg.Region))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Now()

	// 4. Connect the KV store (Redis or in-memory)
	kvStore, kvCleanup, err := kv.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect KV store", zap.Error(err))
	}
	defer kvCleanup()

	// 5. Connect the document database
	doc, docCleanup, err := docdb.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to connect document database", zap.Error(err))
	}
	defer docCleanup()

	// 6. Connect the realtime tree database
	tree, treeCleanup, err := rtdb.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect realtime database", zap.Error(err))
	}
	defer treeCleanup()

	// 7. Build the state stores on top of the KV layer
	sessions := session.NewStore(kvStore, log)
	chats := chat.NewStore(kvStore, log)
	workflows := workflow.NewStore(kvStore, log)
	cacheMgr := cache.NewManager(kvStore, log)

	// 8. Presence registry + per-connection heartbeater
	registry := presence.NewRegistry(kvStore, doc, cfg.Listeners, log)
	heartbeater := presence.NewHeartbeater(registry, cfg.Listeners.HeartbeatDuration())

	// 9. WebSocket hub
	dispatcher := ws.NewDispatcher()
	hub := gatewayws.NewHub(kvStore, dispatcher, log)
	go hub.Run(ctx)

	// 10. Listener supervisor (presence-driven watcher lifecycle)
	supervisor := listener.New(doc, tree, kvStore, registry, hub, sessions, keys.DefaultChannels(), cfg, log)
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("Failed to start listener supervisor", zap.Error(err))
	}

	// 11. LPT transport + retrying dispatcher
	transport, transportCleanup, err := lpt.Provide(cfg.LPT, cfg.NATS.URL, log)
	if err != nil {
		log.Fatal("Failed to initialize LPT transport", zap.Error(err))
	}
	defer transportCleanup()
	lptDispatcher := lpt.NewDispatcher(transport, cfg.LPT.MaxRetries, log)
	log.Info("LPT transport ready", zap.String("transport", transport.Name()))

	// 12. Agent runtime (model client, profiles, tools)
	llm, err := agent.ProvideModel(cfg.LLM)
	if err != nil {
		log.Fatal("Failed to initialize model client", zap.Error(err))
	}
	profiles, err := agent.LoadProfiles(cfg.Chat.ProfileFile)
	if err != nil {
		log.Fatal("Failed to load agent profiles", zap.Error(err))
	}
	runtime := agent.NewRuntime(sessions, chats, workflows, kvStore, tree, hub, supervisor, lptDispatcher, llm, profiles, cfg, log)
	supervisor.SetCardRouter(runtime)

	// 13. Worker callback handler (LPT + HR workers share the payload shape)
	cbHandler := lpt.NewCallbackHandler(doc, sessions, runtime, cfg.ResolvedCallbackToken(), log)

	// 14. RPC router + page assembly
	ext := clients.NewUnconfigured()
	pageHandlers := pages.NewHandlers(pages.NewRunner(cacheMgr, pageCacheTTL, log), sessions, doc, ext)
	router := rpc.NewRouter(kvStore, cfg, log)
	rpc.RegisterAll(router, &rpc.Bindings{
		Agent:      runtime,
		Presence:   registry,
		Supervisor: supervisor,
		Sessions:   sessions,
		Chats:      chats,
		Doc:        doc,
		Tree:       tree,
		Cache:      cacheMgr,
		Pages:      pageHandlers,
		Ext:        ext,
	})
	log.Info("RPC router ready", zap.Int("methods", len(router.Methods())))

	// Client->server frame handlers for the socket receive loop.
	gatewayws.RegisterFrameHandlers(dispatcher, gatewayws.FrameDeps{
		Tokens: ext.Tokens,
		Pages:  pageHandlers,
		Tasks:  runtime,
		Doc:    doc,
	}, log)

	// 15. Planned-task scheduler
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(doc, kvStore, runtime, cfg.Scheduler, log)
		go sched.Run(ctx)
		log.Info("Scheduler started", zap.Int("interval_s", cfg.Scheduler.Interval))
	} else {
		log.Info("Scheduler disabled")
	}

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	wsHandler := gatewayws.NewHandler(hub, heartbeater, supervisor, runtime, cfg.Websocket, log)
	engine.GET("/ws", wsHandler.HandleConnection)

	engine.POST("/rpc", router.Handle)
	engine.POST("/lpt/callback", cbHandler.Handle)
	engine.POST("/hr/callback", cbHandler.Handle)

	engine.GET("/healthz", func(c *gin.Context) {
		redis := "connected"
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		if err := kvStore.Ping(pingCtx); err != nil {
			redis = "unavailable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":                   "ok",
			"version":                  version,
			"listeners_count":          supervisor.AttachedUserCount(),
			"workflow_listeners_count": supervisor.WorkflowWatcherCount(),
			"redis":                    redis,
			"uptime_s":                 int(time.Since(startTime).Seconds()),
			"region":                   cfg.Region,
		})
	})

	engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		if err := kvStore.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "redis_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	engine.GET("/debug", func(c *gin.Context) {
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		c.JSON(http.StatusOK, gin.H{
			"version": version,
			"region":  cfg.Region,
			"config": gin.H{
				"docdb_backend":    cfg.DocDB.Backend,
				"rtdb_backend":     cfg.RTDB.Backend,
				"lpt_transport":    cfg.LPT.Transport,
				"llm_provider":     cfg.LLM.Provider,
				"scheduler":        cfg.Scheduler.Enabled,
				"unified_registry": cfg.UnifiedRegistry.Enabled,
			},
			"hub": gin.H{
				"clients": hub.ClientCount(),
				"users":   hub.UserCount(),
			},
			"supervisor": gin.H{
				"attached_users":    supervisor.AttachedUserCount(),
				"workflow_watchers": supervisor.WorkflowWatcherCount(),
			},
			"stores": gin.H{
				"redis": pingErrString(kvStore.Ping(pingCtx)),
				"docdb": pingErrString(doc.Ping(pingCtx)),
				"rtdb":  pingErrString(tree.Ping(pingCtx)),
			},
		})
	})

	engine.GET("/ws-metrics", func(c *gin.Context) {
		counts, since := hub.Disconnects().Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"disconnects": counts,
			"since":       since.Format(time.RFC3339),
			"clients":     hub.ClientCount(),
			"users":       hub.UserCount(),
		})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/invalidate-context", requireBearer(cfg.Listeners.ServiceToken), func(c *gin.Context) {
		var req struct {
			UserID    string `json:"user_id"`
			CompanyID string `json:"company_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.CompanyID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "user_id and company_id are required"})
			return
		}
		if err := runtime.InvalidateUserContext(c.Request.Context(), req.UserID, req.CompanyID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	engine.POST("/admin/invalidate_cache", requireBearer(cfg.Listeners.ServiceToken), func(c *gin.Context) {
		var req struct {
			UserID    string `json:"user_id"`
			CompanyID string `json:"company_id"`
			Module    string `json:"module"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.CompanyID == "" || req.Module == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "user_id, company_id and module are required"})
			return
		}
		deleted := cacheMgr.InvalidateModule(c.Request.Context(), req.UserID, req.CompanyID, req.Module)
		c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": deleted})
	})

	engine.GET("/google_auth_callback/", googleAuthCallback(cfg.OAuth, log))

	// Create HTTP server
	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("rpc", "/rpc"),
		zap.String("callbacks", "/lpt/callback,/hr/callback"),
		zap.String("health", "/healthz"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fabric...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	supervisor.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Fabric stopped")
}

// pingErrString renders a store ping result for the debug report.
func pingErrString(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// requireBearer rejects requests without the expected bearer token.
// A blank token disables the check (local development).
func requireBearer(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if auth != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// googleAuthCallback exchanges an OAuth authorization code for tokens.
// Responds 503 when the OAuth client is not configured.
func googleAuthCallback(cfg config.OAuthConfig, log *logger.Logger) gin.HandlerFunc {
	const tokenURL = "https://oauth2.googleapis.com/token"
	client := &http.Client{Timeout: 10 * time.Second}

	return func(c *gin.Context) {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "oauth_not_configured"})
			return
		}
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "code is required"})
			return
		}

		form := url.Values{
			"code":          {code},
			"client_id":     {cfg.ClientID},
			"client_secret": {cfg.ClientSecret},
			"redirect_uri":  {cfg.RedirectURL},
			"grant_type":    {"authorization_code"},
		}
		resp, err := client.PostForm(tokenURL, form)
		if err != nil {
			log.Error("OAuth code exchange failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "token_exchange_failed"})
			return
		}
		defer resp.Body.Close()

		var tokens map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil || resp.StatusCode >= 300 {
			log.Error("OAuth token response rejected", zap.Int("status", resp.StatusCode))
			c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "token_exchange_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "tokens": tokens})
	}
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
