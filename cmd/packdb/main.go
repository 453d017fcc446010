package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpserver "packdb/internal/http"
	"packdb/pkg/journal"
	"packdb/pkg/metrics"
	"packdb/pkg/segment"
	"packdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "packdb.yaml", "path to yaml config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	collector := metrics.NewRegistry()

	st, err := store.Open(cfg.Storage.DataDir, store.Config{
		Journal: journal.Config{
			MaxBatchRecords: cfg.Storage.Journal.MaxBatchRecords,
			MaxBatchBytes:   cfg.Storage.Journal.MaxBatchBytes,
			SyncInterval:    cfg.Storage.Journal.SyncInterval,
		},
		Segment: segment.Config{
			MaxSegmentBytes: cfg.Storage.Segment.MaxSegmentBytes,
			DirectIO:        cfg.Storage.Segment.DirectIO,
		},
	}, collector)
	if err != nil {
		slog.Error("failed to open store", "dir", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}

	server := httpserver.NewServer(st, collector, strconv.Itoa(cfg.Server.Port), cfg.Server.ShutdownTimeout)
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	slog.Info("packdb started", "data_dir", cfg.Storage.DataDir, "addr", server.URL)

	<-ctx.Done()

	slog.Info("shutting down")
	if err := server.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
		os.Exit(1)
	}

	slog.Info("packdb stopped")
}
