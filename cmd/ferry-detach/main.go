package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ferry-ci/ferry/internal/detach"
	"github.com/ferry-ci/ferry/internal/platform/env"
	"github.com/ferry-ci/ferry/internal/platform/objectstore"
	"github.com/ferry-ci/ferry/internal/platform/postgres"
	"github.com/ferry-ci/ferry/internal/runledger"
	"github.com/ferry-ci/ferry/internal/transfer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "ferry-detach")

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		profilePath = flag.String("profile", env.String("FERRY_DETACH_PROFILE", "ferry.yaml"), "Detach profile path")
		workDir     = flag.String("dir", ".", "Working directory to snapshot")
	)
	flag.Parse()

	presignTTL, err := env.Minutes("FERRY_PRESIGN_TTL_MINUTES", 60)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	strictProbe, err := env.Bool("FERRY_STRICT_BUCKET_PROBE", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.New(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}

	uploader, err := transfer.New(store, transfer.Config{
		Bucket:      storeCfg.Bucket(),
		Region:      storeCfg.Region,
		PresignTTL:  presignTTL,
		StrictProbe: strictProbe,
	}, logger)
	if err != nil {
		logger.Error("transfer init failed", "error", err)
		os.Exit(2)
	}

	profile, err := detach.LoadProfile(*profilePath)
	if err != nil {
		logger.Error("invalid profile", "path", *profilePath, "error", err)
		os.Exit(2)
	}
	details, err := profile.Details(filepath.Dir(*profilePath))
	if err != nil {
		logger.Error("invalid run details", "error", err)
		os.Exit(2)
	}

	invoker, err := detach.NewCommandInvoker(profile.Invoke.Command, profile.Invoke.Args)
	if err != nil {
		logger.Error("invalid invoke config", "error", err)
		os.Exit(2)
	}

	// The ledger is optional: configured only when a database URL is
	// present.
	var recorder detach.Recorder
	if env.String("FERRY_DATABASE_URL", "") != "" {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		ledger, err := runledger.New(db)
		if err != nil {
			logger.Error("ledger init failed", "error", err)
			os.Exit(2)
		}
		if err := ledger.EnsureSchema(ctx); err != nil {
			logger.Error("ledger schema failed", "error", err)
			os.Exit(1)
		}
		recorder = ledger
	}

	detacher, err := detach.New(uploader, invoker, recorder, logger)
	if err != nil {
		logger.Error("detach init failed", "error", err)
		os.Exit(2)
	}

	dir, err := filepath.Abs(*workDir)
	if err != nil {
		logger.Error("resolve workdir", "error", err)
		os.Exit(2)
	}

	if err := detacher.Detach(ctx, dir, details); err != nil {
		logger.Error("detach failed", "build_id", details.BuildID, "error", err)
		os.Exit(1)
	}
	logger.Info("detach complete", "build_id", details.BuildID)
}
