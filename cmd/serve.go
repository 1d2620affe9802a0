package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"visionchat/internal/api"
	"visionchat/internal/auth"
	"visionchat/internal/config"
	"visionchat/internal/redis"
	"visionchat/internal/service/ai"
	"visionchat/internal/service/assistant"
	"visionchat/internal/service/report"
	"visionchat/internal/service/speech"
	"visionchat/internal/service/tts"
	"visionchat/internal/session"
	"visionchat/internal/storage"
	"visionchat/internal/worker"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web server",
		Example: `  # Start with ./config.json (or defaults) and GOOGLE_API_KEY from the environment
  visionchat serve

  # Use another config file
  visionchat serve --config /etc/visionchat/config.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			config.SetupLogging(cfg.Logging)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("VISIONCHAT_CONFIG"), "Path to the JSON config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.BasicConfig.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	ledger := assistant.NewService(db)

	var rdb *redis.Client
	if cfg.Session.Store == "redis" {
		rdb, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}
	store, err := session.NewStore(cfg, rdb)
	if err != nil {
		return err
	}

	aiClient, err := ai.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init inference client: %w", err)
	}
	synth, err := tts.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init speech synthesis: %w", err)
	}
	var recognizer session.Recognizer
	if cfg.Speech.Model != "" {
		capturer, err := speech.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init speech recognition: %w", err)
		}
		recognizer = capturer
	}

	dispatcher := worker.NewDispatcher(
		cfg.Workers.MinWorkers,
		cfg.Workers.MaxWorkers,
		cfg.Workers.QueueSize,
		time.Duration(cfg.Workers.IdleTimeoutSec)*time.Second,
	)
	defer dispatcher.Stop()

	imageTTL := cfg.TempFileTTL()
	if imageTTL <= 0 {
		imageTTL = assistant.DefaultTempFileTTL
	}
	orch := session.NewOrchestrator(session.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		AI:         aiClient,
		TTS:        tts.NewAdapter(synth),
		Speech:     recognizer,
		Reports: report.NewBuilder(report.Options{
			Title:      cfg.Report.Title,
			ImageWidth: cfg.Report.ImageWidth,
			Compress:   cfg.Report.Compress,
		}),
		Ledger:     ledger,
		DataDir:    cfg.BasicConfig.DataDir,
		JobTimeout: cfg.JobTimeout(),
		ImageTTL:   imageTTL,
	})

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	ledger.StartTempFileCleaner(bgCtx, cfg.TempCleanInterval())
	orch.StartJanitor(bgCtx, cfg.TempCleanInterval(), cfg.SessionTTL())

	deps := map[string]api.Pinger{"ledger": ledger}
	if rdb != nil {
		deps["redis"] = rdb
	}
	health := api.NewHealth(deps)
	handler := api.NewHandler(orch, auth.NewService(orch, cfg.SessionTTL(), cfg.BasicConfig.SecureCookies), health, cfg.MaxUploadBytes())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.AccessLog())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("visionchat listening", "addr", server.Addr, "provider", cfg.Inference.Provider,
			"tts", cfg.TTS.Backend, "session_store", cfg.Session.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	health.SetReady(true)

	select {
	case <-ctx.Done():
		health.SetReady(false)
		slog.Info("shutting down server")
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.JobTimeout()+5*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
			return err
		}
		slog.Info("server stopped")
		return nil
	case err := <-serverErr:
		return err
	}
}

func openLedger(cfg *config.Config) (*sql.DB, error) {
	dbCfg := cfg.Databases[cfg.Database]
	if cfg.Database == "sqlite3" && dbCfg.DSN != ":memory:" && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(cfg.BasicConfig.DataDir, dbCfg.DSN)
		cfg.Databases[cfg.Database] = dbCfg
	}
	db, err := storage.Open(cfg.Database, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, cfg.Database); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	slog.Info("ledger ready", "driver", cfg.Database)
	return db, nil
}
