package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reel/internal/auth"
	"reel/internal/config"
	"reel/internal/core"
	"reel/internal/database"
	"reel/internal/storage"
	"reel/internal/upload"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func Run(ctx context.Context) error {

	listen := flag.String("listen", "", "HTTP listen address (overrides REEL_LISTEN_ADDR)")
	dataDir := flag.String("data-dir", "", "directory to store object data and metadata (overrides REEL_DATA_DIR)")
	configFile := flag.String("config", "", "optional config file")
	certFile := flag.String("tls-cert", "", "TLS certificate; enables HTTPS together with -tls-key")
	keyFile := flag.String("tls-key", "", "TLS private key")
	tlsListen := flag.String("tls-listen", ":8443", "HTTPS listen address")

	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))
	slog.Info("Loaded configuration", "config", cfg.String())

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := database.Open(ctx, absDataDir)
	if err != nil {
		return fmt.Errorf("failed to open metadata database: %w", err)
	}
	defer db.Close()

	var store storage.ObjectStore
	switch cfg.StorageBackend {
	case config.StorageMinio:
		minioStore, err := storage.NewMinioStorage(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			return err
		}
		store = minioStore
	default:
		store = storage.NewLocalFileStorage(absDataDir, db)
	}

	var sessions upload.SessionStore
	switch cfg.SessionBackend {
	case config.SessionsRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		sessions = upload.NewRedisSessionStore(rdb)
	default:
		sessions = upload.NewSQLiteSessionStore(db)
	}

	opts := []core.ConfigOption{
		core.WithObjectStore(store),
		core.WithSessionStore(sessions),
		core.WithPolicy(cfg.Policy()),
		core.WithAllowedOrigins(cfg.AllowedOrigins...),
		core.WithCacheControl(cfg.CacheControl),
		core.WithPublicBaseURL(cfg.PublicBaseURL),
		core.WithRequireAuthForWrites(cfg.RequireAuthForWrites),
	}

	var engines []auth.AuthEngine
	if cfg.JWTSecret != "" {
		engines = append(engines, auth.NewJWTAuthEngine(cfg.JWTSecret))
	}
	if cfg.IdentityURL != "" {
		engines = append(engines, auth.NewIdentityAuthEngine(cfg.IdentityURL, nil))
	}
	switch len(engines) {
	case 0:
	case 1:
		opts = append(opts, core.WithAuthEngine(engines[0]))
	default:
		opts = append(opts, core.WithAuthEngine(auth.NewCompoundAuthEngine(engines...)))
	}

	server, err := core.NewServer(core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create reel server: %w", err)
	}

	router := server.Handler()

	// Uploads stream large bodies, so only header reads are bounded.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              *tlsListen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	shutdown := func(srv *http.Server) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}

	eg.Go(func() error { return shutdown(httpsServer) })
	eg.Go(func() error { return shutdown(httpServer) })

	eg.Go(func() error {
		return server.Uploads().Janitor.Run(ctx, cfg.SweepInterval)
	})

	eg.Go(func() error {
		if *certFile == "" || *keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting Reel HTTPS server", "addr", *tlsListen)
		err := httpsServer.ListenAndServeTLS(*certFile, *keyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting Reel HTTP server", "addr", cfg.ListenAddr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Reel Started")
	return eg.Wait()

}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Reel exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
