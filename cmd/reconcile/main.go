package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/MTES-MCT/carbure-sub007/internal/config"
	"github.com/MTES-MCT/carbure-sub007/internal/custody"
	"github.com/MTES-MCT/carbure-sub007/internal/ledger"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		period     = flag.Int("period", 0, "delivery period filter (YYYYMM, 0 = all)")
		batchSize  = flag.Int("batch-size", 0, "roots per reconciliation batch")
		workers    = flag.Int("workers", 0, "parallel workers per batch")
		apply      = flag.Bool("apply", false, "apply deterministic repairs (default dry run)")
		schedule   = flag.String("schedule", "", "cron expression for periodic runs (empty = run once)")
	)
	flag.Parse()

	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *batchSize <= 0 {
		*batchSize = cfg.Reconciliation.BatchSize
	}
	if *workers <= 0 {
		*workers = cfg.Reconciliation.Workers
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = cfg.Database.GetDatabaseURL()
	}
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}
	logger.Info("Connected to database")

	repo := ledger.NewRepository(db)
	engine := custody.NewEngine(repo, logger)
	opts := custody.RunOptions{
		Period:    *period,
		BatchSize: *batchSize,
		Workers:   *workers,
		Apply:     *apply,
		MaxDepth:  cfg.Reconciliation.MaxDepth,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	runOnce := func() {
		report, err := engine.Run(ctx, opts)
		if err != nil {
			logger.Error("Reconciliation failed", zap.Error(err))
			return
		}
		report.Write(os.Stdout)
	}

	if *schedule == "" {
		runOnce()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, runOnce); err != nil {
		logger.Fatal("Invalid schedule expression", zap.String("schedule", *schedule), zap.Error(err))
	}
	logger.Info("Reconciliation scheduled", zap.String("schedule", *schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("Reconciliation scheduler stopped")
}
