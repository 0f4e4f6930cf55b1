package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/echs-verifier/internal/config"
	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/submission"
	"github.com/ehr/echs-verifier/internal/platform/auth"
	"github.com/ehr/echs-verifier/internal/platform/blobstore"
	"github.com/ehr/echs-verifier/internal/platform/db"
	"github.com/ehr/echs-verifier/internal/platform/echsapi"
	"github.com/ehr/echs-verifier/internal/platform/middleware"
	"github.com/ehr/echs-verifier/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "echs-verifier",
		Short: "ECHS claim document verification server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the verification API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openMigrator loads config and connects to the session database. The
// schema flag overrides DB_SCHEMA.
func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, "", err
	}
	if !cfg.UsesDatabase() {
		return nil, nil, "", fmt.Errorf("DATABASE_URL is not set")
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(context.Background(), poolConfig(cfg, schema))
	if err != nil {
		return nil, nil, "", err
	}
	return db.NewMigrator(pool, migrations.FS, schema), pool.Close, schema, nil
}

func poolConfig(cfg *config.Config, schema string) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		Schema:   schema,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run session database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, schema, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, schema, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	reg := document.DefaultRegistry()

	// Session store
	var (
		pool  *pgxpool.Pool
		repo  submission.SessionRepository
		audit middleware.AuditRecorder
	)
	if cfg.UsesDatabase() {
		pool, err = db.NewPool(ctx, poolConfig(cfg, cfg.DBSchema))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

		repo = submission.NewSessionRepoPG(pool, reg)
		audit = auditRecorder(db.NewAuditWriter(pool))
	} else {
		logger.Warn().Msg("DATABASE_URL not set; sessions are kept in memory")
		repo = submission.NewSessionRepoMemory(reg)
	}

	// Blob storage
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob store")
	}
	logger.Info().Str("backend", cfg.BlobStore).Msg("blob store ready")

	// Remote ECHS service
	api, err := echsapi.New(echsapi.Config{
		BaseURL: cfg.EchsAPIBaseURL,
		Token:   cfg.EchsAPIToken,
		Timeout: cfg.EchsAPITimeout,
	}, auth.TokenFromContext)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure ECHS API client")
	}

	svc := submission.NewService(repo, blobs, api, logger, submission.WithRegistry(reg))
	var pinger db.Pinger
	if pool != nil {
		pinger = pool
	}
	e := newServer(cfg, logger, svc, pinger, audit)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.BlobStore {
	case "s3":
		return blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "memory", "":
		return blobstore.NewInMemoryBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob store %q", cfg.BlobStore)
	}
}

// newServer assembles the HTTP surface. pinger and audit are nil when no
// database is configured.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *submission.Service, pinger db.Pinger, audit middleware.AuditRecorder) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.MaxBodyBytes, cfg.MaxUploadBytes))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, submission.UploadAllPath))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID"},
	}))

	// Auth middleware
	e.Use(authMiddleware(cfg))

	// Audit middleware
	var recorders []middleware.AuditRecorder
	if audit != nil {
		recorders = append(recorders, audit)
	}
	e.Use(middleware.Audit(logger, recorders...))

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}

	// API
	apiV1 := e.Group("/api/v1")
	limiter := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	submission.NewHandler(svc, cfg.AuthRequiredRoles...).RegisterRoutes(apiV1, limiter)

	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case "development":
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	case "shared":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		})
	}
}

type auditWriter interface {
	Write(rec db.AuditRecord) error
}

// auditRecorder adapts the audit table writer to the audit middleware.
func auditRecorder(w auditWriter) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		return w.Write(db.AuditRecord{
			UserID:     entry.UserID,
			Action:     entry.Action,
			Params:     entry.Params,
			RequestID:  entry.RequestID,
			StatusCode: entry.StatusCode,
			RecordedAt: entry.Timestamp,
		})
	})
}
