package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openphenome/forest-backend-go/internal/api"
	"github.com/openphenome/forest-backend-go/internal/config"
	"github.com/openphenome/forest-backend-go/internal/database"
	"github.com/openphenome/forest-backend-go/internal/forest"
	"github.com/openphenome/forest-backend-go/internal/handler"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
	"github.com/openphenome/forest-backend-go/internal/repository"
	"github.com/openphenome/forest-backend-go/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("failed to create database folder", "error", err)
		os.Exit(1)
	}
	db, err := database.Open(database.Config{Path: cfg.DBPath})
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var store objectstore.Store
	switch cfg.ObjectStore {
	case "gcs":
		gcs, err := objectstore.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			logger.Error("failed to connect to object store", "error", err)
			os.Exit(1)
		}
		defer gcs.Close()
		store = gcs
	default:
		fs, err := objectstore.NewFilesystemStore(cfg.ObjectStorePath)
		if err != nil {
			logger.Error("failed to open object store", "error", err)
			os.Exit(1)
		}
		store = fs
	}

	taskRepo := repository.NewForestTaskRepository(db)
	studyRepo := repository.NewStudyRepository(db)
	chunkRepo := repository.NewChunkRepository(db)
	summaryRepo := repository.NewSummaryRepository(db)

	pipeline := &forest.Pipeline{
		Tasks:        taskRepo,
		Participants: studyRepo,
		Fetcher:      &forest.Fetcher{Chunks: chunkRepo, Store: store, Workers: cfg.DownloadWorkers},
		Assembler:    &forest.Assembler{Studies: studyRepo},
		Cache:        &forest.CacheManager{Store: store, Keys: taskRepo},
		Materializer: &forest.Materializer{Summaries: summaryRepo},
		Runner: &forest.ExternalRunner{
			Bin:     cfg.ForestRunnerBin,
			Script:  cfg.ForestRunnerPath,
			Timeout: cfg.RunnerTimeout,
		},
		Store:         store,
		Reporter:      &forest.LogReporter{Logger: logger},
		Logger:        logger,
		WorkspaceRoot: cfg.WorkspaceRoot,
		ForestVersion: cfg.ForestVersion,
	}

	var runner forest.TaskRunner
	if cfg.InlineRunner {
		runner = &forest.InlineRunner{Pipeline: pipeline}
	} else {
		dispatcher := &forest.Dispatcher{
			Queue:    taskRepo,
			Pipeline: pipeline,
			Logger:   logger,
			Workers:  cfg.Workers,
			Schedule: cfg.DispatchSchedule,
		}
		if err := dispatcher.Start(); err != nil {
			logger.Error("failed to start dispatcher", "error", err)
			os.Exit(1)
		}
		defer dispatcher.Stop()
		runner = dispatcher
	}

	taskService := service.NewForestTaskService(taskRepo, studyRepo, runner, logger)
	taskHandler := handler.NewForestTaskHandler(taskService)
	router := api.SetupRouter(cfg, logger, taskHandler)

	go func() {
		logger.Info("server starting", "port", cfg.Port, "forest_version", cfg.ForestVersion)
		if err := router.Run(cfg.Port); err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
}
