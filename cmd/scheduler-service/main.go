/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a non-HTTP, long-running process that triggers the recurring-donation
 * jobs on a cron schedule through the donation-service internal API.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/donorhub/recurring-donation-service/internal/config"
	"github.com/donorhub/recurring-donation-service/internal/jobs"
	"github.com/donorhub/recurring-donation-service/pkg/donationclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateScheduler(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	client := donationclient.NewClient(cfg.DonationServiceURL, cfg.InternalAPIKey)
	runner := jobs.NewJobs(client, logger)
	scheduler := jobs.NewScheduler(runner, logger, *cfg)

	if err := scheduler.Register(); err != nil {
		logger.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
