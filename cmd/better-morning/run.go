package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/00sapo/better-morning/internal/browser"
	"github.com/00sapo/better-morning/internal/cache"
	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/delivery"
	"github.com/00sapo/better-morning/internal/oracle"
	"github.com/00sapo/better-morning/internal/orchestrator"
	"github.com/00sapo/better-morning/internal/scheduler"
	"github.com/00sapo/better-morning/internal/storage"
)

func runCmd(opts *rootOptions) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "run [collection files...]",
		Short: "Fetch, summarize and deliver today's digest",
		Long: "Processes every collection (the given files, or collections_glob from the config), " +
			"delivers one combined digest and then records the processed articles in history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, log, err := opts.setup()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if every <= 0 {
				return runOnce(ctx, g, args, log)
			}

			log.Info("daemon mode", "every", every)
			scheduler.New(func(ctx context.Context) error {
				return runOnce(ctx, g, args, log)
			}, every, log).Run(ctx)
			log.Info("daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the run on this interval (e.g. 24h) instead of exiting")
	return cmd
}

// runOnce performs a complete digest run. Collection files are re-read every
// time so a long-running daemon picks up edits.
func runOnce(ctx context.Context, g *config.Global, files []string, log *slog.Logger) error {
	collections, loadErr := config.LoadCollections(files, g)
	unloaded := config.LoadErrors(loadErr)
	if loadErr != nil && len(unloaded) == 0 {
		return loadErr
	}
	if len(collections) == 0 && len(unloaded) == 0 {
		return errors.New("no collections found")
	}
	if len(unloaded) > 0 {
		log.Error("some collections could not be loaded, they are reported in the digest", "count", len(unloaded))
	}

	store, err := storage.Open(g, log)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = store.Close() }()

	summaries := cache.Open(ctx, os.Getenv(g.Cache.RedisURLEnv), time.Duration(g.Cache.TTLHours)*time.Hour, log)
	defer func() { _ = summaries.Close() }()

	apiKey := os.Getenv(g.LLMAPIKeyEnv)
	if apiKey == "" {
		log.Warn("llm api key not set, requests will likely fail", "env", g.LLMAPIKeyEnv)
	}
	llm := oracle.NewOpenAI(oracle.Config{
		APIKey:      apiKey,
		BaseURL:     g.LLMBaseURL,
		Concurrency: g.LLMConcurrency,
		Timeout:     config.Seconds(g.LLMTimeoutSeconds),
	}, log)

	orch := orchestrator.New(orchestrator.Deps{
		Global:    g,
		Store:     store,
		Oracle:    llm,
		Cache:     summaries,
		Deliverer: delivery.New(g.Output, log),
		HTTP:      &http.Client{},
		NewBrowser: func(o browser.Options) (browser.Browser, error) {
			return browser.StartChrome(o, log)
		},
		Log: log,
	})

	report, err := orch.Run(ctx, collections, unloaded...)
	if report != nil {
		for _, res := range report.Collections {
			log.Info("collection result",
				"collection", res.Name,
				"articles", len(res.Digest.Included),
				"feeds_ok", fmt.Sprintf("%.0f%%", res.Report.SuccessRate()*100),
				"degraded", res.Digest.Degraded,
				"committed", res.Committed)
		}
		if report.Location != "" {
			log.Info("digest available", "location", report.Location)
		}
	}
	return errors.Join(err, loadErr)
}
