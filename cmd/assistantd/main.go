// Command assistantd runs the session orchestration daemon: it wires the
// configured repository, providers and enrichment definitions into an
// assistant instance, starts cron-driven seed spawning and serves until
// interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	assistant "github.com/badibam/assistant-sub001"
	"github.com/badibam/assistant-sub001/config"
	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/logging"
	"github.com/badibam/assistant-sub001/machine"
	"github.com/badibam/assistant-sub001/provider/anthropic"
	"github.com/badibam/assistant-sub001/provider/openai"
	"github.com/badibam/assistant-sub001/repository"
	"github.com/badibam/assistant-sub001/repository/sqlite"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "assistantd",
	Short: "AI assistant session orchestration daemon",
	Long: `assistantd runs the session orchestration engine: interactive chats,
scheduled automations spawned from seeds, and the single active-session slot
arbitrating between them. Configuration is read from assistant.yaml (or the
file given with --config) with ASSISTANT_* environment overrides.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./assistant.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    os.Stdout,
		Component: "assistantd",
	})

	repo, cleanup, err := openRepository(cfg.Storage)
	if err != nil {
		return err
	}
	defer cleanup()

	a := assistant.New(func(o *assistant.Options) {
		o.Rules = machine.Rules{
			RetryCeiling:      cfg.Orchestration.RetryCeiling,
			ClosureDelay:      cfg.Orchestration.ClosureDelay,
			RetryBackoff:      cfg.Orchestration.RetryBackoff,
			CompletionTimeout: cfg.Orchestration.CompletionTimeout,
		}
		o.InactivityTimeout = cfg.Orchestration.InactivityTimeout
		o.Repository = repo
		o.EnrichmentDir = cfg.Enrichments.Dir
		o.DefaultProviderID = cfg.Provider.Default
		o.Logger = logger
	})
	defer a.Close()

	if err := registerProviders(a, cfg.Provider); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.StartSeeds(ctx); err != nil {
		return fmt.Errorf("start seeds: %w", err)
	}

	logger.Info("daemon started",
		"storage", cfg.Storage.Driver,
		"default_provider", cfg.Provider.Default)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func openRepository(cfg config.StorageConfig) (core.Repository, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return repository.NewInMemoryStore(), func() {}, nil
	}
}

func registerProviders(a *assistant.Assistant, cfg config.ProviderConfig) error {
	registered := 0
	if cfg.Anthropic.Enabled {
		a.RegisterProvider("anthropic", anthropic.New(func(o *anthropic.Options) {
			o.Model = anthropic.ModelFor(cfg.Anthropic.Model)
			o.Temperature = cfg.Anthropic.Temperature
			o.MaxTokens = cfg.Anthropic.MaxTokens
		}))
		registered++
	}
	if cfg.OpenAI.Enabled {
		a.RegisterProvider("openai", openai.New(func(o *openai.Options) {
			o.Model = cfg.OpenAI.Model
			o.Temperature = cfg.OpenAI.Temperature
			o.MaxCompletionTokens = cfg.OpenAI.MaxCompletionTokens
		}))
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no provider enabled")
	}
	return nil
}
