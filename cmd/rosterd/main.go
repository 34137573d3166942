package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/transportops/roster/internal/httpapi"
	"github.com/transportops/roster/internal/store/gormstore"
	"github.com/transportops/roster/pkg/roster"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningKey     = "signing-key"
	flagWeekTimezone   = "week-timezone"
	flagAllowedOrigins = "allowed-origins"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeySigningKey     = "session_signing_key"
	configKeyWeekTimezone   = "week_timezone"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL = "sqlite:///tmp/roster.db"
	defaultListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	SigningKey     string
	WeekTimezone   string
	AllowedOrigins string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rosterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "rosterd",
		Short:         "Roster qualification and booking API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HS256 session signing key")
	cmd.Flags().String(flagWeekTimezone, "UTC", "IANA timezone for week boundaries")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		key  string
		env  string
		flag string
	}{
		{configKeyDatabaseURL, "DATABASE_URL", flagDatabaseURL},
		{configKeyListenAddr, "LISTEN_ADDR", flagListenAddr},
		{configKeySigningKey, "SESSION_SIGNING_KEY", flagSigningKey},
		{configKeyWeekTimezone, "WEEK_TIMEZONE", flagWeekTimezone},
		{configKeyAllowedOrigins, "ALLOWED_ORIGINS", flagAllowedOrigins},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.WeekTimezone = viper.GetString(configKeyWeekTimezone)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)

	if cfg.SigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	weekLocation := time.UTC
	if cfg.WeekTimezone != "" {
		weekLocation, err = time.LoadLocation(cfg.WeekTimezone)
		if err != nil {
			return fmt.Errorf("week timezone: %w", err)
		}
	}

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	service, err := roster.NewService(
		gormstore.New(gormDB),
		func() time.Time { return time.Now().UTC() },
		roster.WithWeekLocation(weekLocation),
		roster.WithOperationLogger(&zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("roster service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SigningKey,
	}
	return httpapi.Run(ctx, apiConfig, service, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "roster.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// zapOperationLogger forwards domain operation events to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry roster.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.Owner != "" {
		fields = append(fields, zap.String("owner_id", entry.Owner.String()))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.VehicleClass != "" {
		fields = append(fields, zap.String("vehicle_class", entry.VehicleClass.String()))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("roster operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("roster operation", fields...)
}
