// Package main implements the specd CLI: spec creation, review, and build
// execution for the spec pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/engine"
	"github.com/fyrsmithlabs/specd/internal/indexer"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/memory"
	"github.com/fyrsmithlabs/specd/internal/orchestrator"
	"github.com/fyrsmithlabs/specd/internal/review"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

// Exit codes. Not-approved is distinct so operators can script around the
// review gate.
const (
	exitOK          = 0
	exitFailure     = 1
	exitNotApproved = 2
	exitConfig      = 3
)

var (
	configPath string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "specd",
	Short:         "Spec pipeline orchestrator",
	Long:          "specd drives a software-change spec through generation, human review, build, and QA.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/specd/config.yaml)")
	rootCmd.AddCommand(createSpecCmd)
	rootCmd.AddCommand(runBuildCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintf(os.Stderr, "specd: %v\n", err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var gateErr *orchestrator.GateError
	if errors.As(err, &gateErr) {
		return exitNotApproved
	}
	var cfgErr *memory.ConfigurationError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailure
}

// app holds the wired services a command needs. The engine and memory
// layer are only constructed for commands that execute phases.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *specs.Store
	gate   *review.Gate
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	store, err := specs.NewStore(cfg.Storage.RootDir)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		gate:   review.NewGate(store, logger),
	}, nil
}

// newOrchestrator wires the full pipeline: memory layer, engine, indexer,
// and all phase handlers.
func (a *app) newOrchestrator(ctx context.Context, provenance specs.Provenance) (*orchestrator.Orchestrator, error) {
	mem, err := memory.Configure(ctx, a.cfg.Memory, a.logger)
	if err != nil {
		return nil, err
	}
	runner, err := engine.New(ctx, a.cfg.Engine, a.logger)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(a.store, a.gate, mem, a.cfg.Review, a.logger)
	orch.Register(&orchestrator.IndexHandler{Indexer: indexer.NewFS(a.logger)})
	orch.Register(&orchestrator.DiscoverHandler{Runner: runner})
	orch.Register(&orchestrator.HistoricalContextHandler{Mem: mem, TokenBudget: a.cfg.Memory.TokenBudget})
	orch.Register(&orchestrator.WriteSpecHandler{Runner: runner, Provenance: provenance})
	orch.Register(&orchestrator.ValidateHandler{Runner: runner})
	orch.Register(&orchestrator.BuildHandler{Runner: runner})
	orch.Register(&orchestrator.QAHandler{Runner: runner})
	return orch, nil
}
