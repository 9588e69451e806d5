package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/videocredits/internal/costconfig"
	"github.com/MarkoPoloResearchLab/videocredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/videocredits/internal/observability"
	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL    = "database-url"
	flagStoreBackend   = "store-backend"
	flagListenAddr     = "listen-addr"
	flagRequestTimeout = "request-timeout"
	flagAllowedOrigins = "allowed-origins"
	flagCostTable      = "cost-table"
	flagSessionKey     = "session-signing-key"
	flagSessionIssuer  = "session-issuer"
	flagSessionCookie  = "session-cookie"
	flagRetryAttempts  = "retry-attempts"
	flagAuditUser      = "user"

	defaultDatabaseURL    = "sqlite:///tmp/videocredits.db"
	defaultStoreBackend   = backendGORM
	defaultListenAddr     = ":8080"
	defaultRequestTimeout = 5 * time.Second
	defaultRetryAttempts  = 3
)

type runtimeConfig struct {
	DatabaseURL   string
	StoreBackend  string
	CostTablePath string
	RetryAttempts int
	HTTP          httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := newSettings()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Video credit ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// connection string")
	flags.String(flagStoreBackend, defaultStoreBackend, "store implementation: gorm or pgx")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "per-request ledger timeout")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagCostTable, "", "cost table YAML path (embedded default when empty)")
	flags.String(flagSessionKey, "", "tauth session signing key; X-User-ID is trusted when empty")
	flags.String(flagSessionIssuer, "", "tauth session issuer")
	flags.String(flagSessionCookie, "", "tauth session cookie name")
	flags.Int(flagRetryAttempts, defaultRetryAttempts, "attempts per operation on transient storage faults")

	cmd.AddCommand(newAuditCommand(cfg))
	return cmd
}

func newAuditCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay a user's transactions and verify every snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUser, err := cmd.Flags().GetString(flagAuditUser)
			if err != nil {
				return err
			}
			userID, err := ledger.NewUserID(rawUser)
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			runtime, err := openRuntime(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer runtime.close()

			report, err := runtime.service.AuditUser(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			return writeAuditReport(cmd, report)
		},
	}
	cmd.Flags().String(flagAuditUser, "", "user id to audit")
	return cmd
}

func writeAuditReport(cmd *cobra.Command, report ledger.AuditReport) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user=%s sequence=%d transactions=%d s_crd=%d e_crd=%d replayed_s_crd=%d replayed_e_crd=%d\n",
		report.UserID.String(),
		report.Balance.Sequence,
		report.TransactionCount,
		report.Balance.SCRD.Int64(),
		report.Balance.ECRD.Int64(),
		report.Replayed.SCRD.Int64(),
		report.Replayed.ECRD.Int64(),
	)
	for _, violation := range report.Violations {
		fmt.Fprintf(out, "violation: %s\n", violation)
	}
	if !report.Consistent() {
		return fmt.Errorf("audit found %d violations", len(report.Violations))
	}
	return nil
}

func newSettings() *viper.Viper {
	return viper.New()
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	for _, name := range []string{
		flagDatabaseURL,
		flagStoreBackend,
		flagListenAddr,
		flagRequestTimeout,
		flagAllowedOrigins,
		flagCostTable,
		flagSessionKey,
		flagSessionIssuer,
		flagSessionCookie,
		flagRetryAttempts,
	} {
		if err := settings.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(settings.GetString(flagStoreBackend)))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	cfg.CostTablePath = settings.GetString(flagCostTable)
	cfg.RetryAttempts = settings.GetInt(flagRetryAttempts)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        settings.GetString(flagListenAddr),
		RequestTimeout:    settings.GetDuration(flagRequestTimeout),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey: settings.GetString(flagSessionKey),
		SessionIssuer:     settings.GetString(flagSessionIssuer),
		SessionCookieName: settings.GetString(flagSessionCookie),
	}
	if cfg.StoreBackend != backendGORM && cfg.StoreBackend != backendPGX {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	return cfg.HTTP.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runtime, err := openRuntime(ctx, cfg, logger, observability.FanOut{
		observability.NewZapLogger(logger),
		observability.NewMetricsLogger(registry),
	})
	if err != nil {
		return err
	}
	defer runtime.close()

	go watchCostTableReloads(ctx, cfg.CostTablePath, runtime.service, logger)

	router, err := httpapi.NewRouter(cfg.HTTP, httpapi.Dependencies{
		Service:  runtime.service,
		Logger:   logger,
		Gatherer: registry,
	})
	if err != nil {
		return err
	}
	logger.Info("credit ledger ready",
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("sessions", cfg.HTTP.SessionsEnabled()),
		zap.Int("priced_actions", len(runtime.service.CostTable().Entries())),
	)
	return httpapi.Run(ctx, cfg.HTTP, router, logger)
}

type serviceRuntime struct {
	service *ledger.Service
	close   func()
}

func openRuntime(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger, operationLogger ledger.OperationLogger) (*serviceRuntime, error) {
	costs, err := costconfig.Load(cfg.CostTablePath)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(ctx, cfg.StoreBackend, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	policy := ledger.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.RetryAttempts
	clock := func() int64 { return time.Now().UTC().Unix() }
	creditLedger, err := ledger.NewLedger(store, clock, ledger.WithRetryPolicy(policy))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("ledger init: %w", err)
	}
	options := []ledger.ServiceOption{}
	if operationLogger != nil {
		options = append(options, ledger.WithOperationLogger(operationLogger))
	}
	service, err := ledger.NewService(creditLedger, costs, options...)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	closeRuntime := func() {
		closeStore()
		logger.Info("store closed")
	}
	return &serviceRuntime{service: service, close: closeRuntime}, nil
}

func watchCostTableReloads(ctx context.Context, path string, service *ledger.Service, logger *zap.Logger) {
	hangups := make(chan os.Signal, 1)
	signal.Notify(hangups, syscall.SIGHUP)
	defer signal.Stop(hangups)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangups:
			if err := reloadCostTable(path, service); err != nil {
				logger.Error("cost table reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("cost table reloaded", zap.String("path", path), zap.Int("priced_actions", len(service.CostTable().Entries())))
		}
	}
}

func reloadCostTable(path string, service *ledger.Service) error {
	table, err := costconfig.Load(path)
	if err != nil {
		return err
	}
	return service.ReplaceCostTable(table)
}
