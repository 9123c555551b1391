package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultize/alert-engine/internal/alertstate"
	"github.com/vaultize/alert-engine/internal/api"
	"github.com/vaultize/alert-engine/internal/config"
	"github.com/vaultize/alert-engine/internal/engine"
	"github.com/vaultize/alert-engine/internal/eval"
	"github.com/vaultize/alert-engine/internal/notify"
	"github.com/vaultize/alert-engine/internal/rules"
	"github.com/vaultize/alert-engine/internal/store"
	"github.com/vaultize/alert-engine/internal/utils"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes: 0 clean shutdown, 64 configuration/startup failure, 70
// internal/unexpected failure during a run already underway.
const (
	exitConfigError   = 64
	exitInternalError = 70
)

var rootCmd = &cobra.Command{
	Use:     "alertengine",
	Short:   "alertengine evaluates alert rules against a search store and dispatches webhook notifications",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("alertengine %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInternalError)
	}
}

func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitConfigError)
	}

	log.Info().Str("version", Version).Msg("starting alert evaluation engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeClient := store.New(store.Config{
		BaseURL:   cfg.StoreURL,
		User:      cfg.StoreUser,
		Password:  cfg.StorePassword,
		TLSVerify: cfg.StoreTLSVerify,
	})
	storeClient.StartDNSRefresh(ctx, 5*time.Minute)

	stateStore := alertstate.New(storeClient, cfg.StateIndex, cfg.HistoryIndex, utils.GetDataDir())
	if err := stateStore.EnsureIndices(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ensure state/history indices exist")
		os.Exit(exitConfigError)
	}

	evaluator := eval.New(storeClient)

	deliveryLog, err := notify.NewDeliveryLog(utils.GetDataDir())
	if err != nil {
		log.Error().Err(err).Msg("failed to open the webhook delivery log")
		os.Exit(exitConfigError)
	}
	defer deliveryLog.Close()

	dispatcher := notify.NewDispatcher(deliveryLog)

	eng := engine.New(engine.Config{
		RulesDir:            cfg.RulesDir,
		Evaluator:           evaluator,
		StateStore:          stateStore,
		Dispatcher:          dispatcher,
		EvalConcurrency:     cfg.MaxConcurrentEvaluations,
		DeliveryConcurrency: cfg.MaxConcurrentDeliveries,
		MgmtBaseURL:         "http://" + cfg.MgmtListenAddr,
	})

	loadErrs, err := eng.Start(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to start the scheduler: state store unreachable")
		os.Exit(exitConfigError)
	}
	for _, loadErr := range loadErrs {
		log.Warn().Err(loadErr).Msg("rule rejected at startup")
	}
	eng.MarkStoreHealthy()

	watcher, err := rules.NewWatcher(cfg.RulesDir, func() {
		summary, reloadErrs := eng.Reload()
		log.Info().
			Int("added", summary.Added).
			Int("removed", summary.Removed).
			Int("updated", summary.Updated).
			Int("errored", summary.Errored).
			Msg("rules directory changed, reloaded")
		for _, reloadErr := range reloadErrs {
			log.Warn().Err(reloadErr).Msg("rule rejected on reload")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to watch rules directory, rule changes will require SIGHUP or a manual reload")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	apiServer := api.New(api.Config{
		Engine:      eng,
		History:     stateStore,
		DeadLetters: deliveryLog,
		AdminToken:  cfg.MgmtAdminToken,
		ListenAddr:  cfg.MgmtListenAddr,
	})
	apiServer.Start()
	log.Info().Str("addr", cfg.MgmtListenAddr).Msg("management API listening")

	metricsSrv := newMetricsServer(cfg.MetricsListenAddr)
	metricsSrv.Start()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

loop:
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("received SIGHUP, reloading rules")
			summary, reloadErrs := eng.Reload()
			log.Info().
				Int("added", summary.Added).
				Int("removed", summary.Removed).
				Int("updated", summary.Updated).
				Int("errored", summary.Errored).
				Msg("reload complete")
			for _, reloadErr := range reloadErrs {
				log.Warn().Err(reloadErr).Msg("rule rejected on reload")
			}
		case <-sigChan:
			log.Info().Msg("shutting down")
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("management API shutdown error")
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown error")
	}

	cancel()
	eng.Stop(cfg.ShutdownGrace)

	log.Info().Msg("stopped")
}
