package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"squadPlannerAPI/handlers"
	"squadPlannerAPI/internal/billingevent"
	"squadPlannerAPI/internal/config"
	"squadPlannerAPI/internal/logging"
	"squadPlannerAPI/internal/metrics"
	"squadPlannerAPI/internal/notification"
	"squadPlannerAPI/internal/store"
	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/middleware"
	"squadPlannerAPI/services"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "squadplanner-api",
	Short:   "Squad Planner billing and Discord identity API",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		st, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info().Msg("Schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "squadplanner-api"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "squadplanner-api",
	})
	return cfg, nil
}

// openStore prefers Postgres when DATABASE_URL is set.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.URL != "" {
		st, err := store.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Connected to Postgres")
		return st, nil
	}

	st, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.SQLitePath).Msg("Opened SQLite database")
	return st, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := openStore(startCtx, cfg.Database)
	if err == nil {
		err = st.Migrate(startCtx)
	}
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		log.Info().Msg("Closing database connection")
		st.Close()
	}()

	if cfg.Auth.ClerkSecretKey != "" {
		clerk.SetKey(cfg.Auth.ClerkSecretKey)
	} else {
		log.Warn().Msg("CLERK_SECRET_KEY is not set, authenticated routes will reject every token")
	}
	if cfg.Stripe.WebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET is not set, /webhooks/stripe will answer 503")
	}
	if cfg.Stripe.GuildWebhookSecret == "" {
		log.Warn().Msg("STRIPE_GUILD_WEBHOOK_SECRET is not set, /webhooks/stripe/guild will answer 503")
	}
	if !cfg.Discord.Configured() {
		log.Warn().Msg("Discord OAuth credentials are not set, account linking is disabled")
	}

	var fetcher services.SubscriptionFetcher
	if cfg.Stripe.SecretKey != "" {
		fetcher = services.NewStripeService(cfg.Stripe.SecretKey)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY is not set, checkouts without a tier hint fall back to premium")
	}

	var notifier notification.Notifier = notification.Nop{}
	if cfg.FCM.Enabled() {
		fcm, err := notification.NewFCMService(ctx, cfg.FCM)
		if err != nil {
			log.Warn().Err(err).Msg("Could not initialize FCM, billing notifications disabled")
		} else {
			notifier = fcm
			log.Info().Msg("FCM push provider initialized")
		}
	}

	entitlements := services.NewEntitlementCache(st, cfg.Cache.EntitlementTTL)
	engine := services.NewReconciliationService(st, tier.NewResolver(cfg.PriceTable()), fetcher, notifier, entitlements)
	identity := services.NewIdentityService(st, services.NewDiscordService(cfg.Discord))

	webHook := handlers.NewWebhookHandler(subscription.DomainWeb, billingevent.NewNormalizer(cfg.Stripe.WebhookSecret), engine)
	guildHook := handlers.NewWebhookHandler(subscription.DomainGuild, billingevent.NewNormalizer(cfg.Stripe.GuildWebhookSecret), engine)
	linkHandler := handlers.NewDiscordLinkHandler(identity)
	entitlementHandler := handlers.NewEntitlementHandler(entitlements)
	healthHandler := handlers.NewHealthHandler(st)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	middleware.RegisterMetrics(reg)
	metrics.Register(reg)

	limiter := middleware.NewRateLimiter(5, 10)
	go limiter.Cleanup(ctx)

	r := mux.NewRouter()
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuth(cfg.Metrics.User, cfg.Metrics.Password)(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)

	r.HandleFunc("/webhooks/stripe", webHook.HandleStripeWebhook)
	r.HandleFunc("/webhooks/stripe/guild", guildHook.HandleStripeWebhook)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/guilds/{guildID}/entitlement", entitlementHandler.GetGuildEntitlement).Methods(http.MethodGet)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(limiter.Middleware)
	protected.Use(middleware.BearerAuth(middleware.ClerkVerifier))
	protected.HandleFunc("/discord/link", linkHandler.HandleDiscordLink)

	corsHandler, err := middleware.CORS(cfg.CORS)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      corsHandler(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("env", cfg.Server.Env).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Server shutdown complete")
	return nil
}
