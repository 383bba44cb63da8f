package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mikeboe/research-director/pkg/clients"
	"github.com/mikeboe/research-director/pkg/config"
	"github.com/mikeboe/research-director/pkg/database"
	"github.com/mikeboe/research-director/pkg/research"
	"github.com/mikeboe/research-director/pkg/store"
)

var (
	topic         string
	storeKind     string
	outDir        string
	maxIterations int
	batchSize     int
	verbose       bool
)

func main() {
	// It's okay if .env doesn't exist, as long as env vars are set
	_ = godotenv.Load()
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "research-director",
		Short: "A terminal-based research agent",
		Long: `research-director answers a research question by iterating a directed loop:
sub-queries, search, collect, verify, summarize and report.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			if cmd.Flags().Changed("max-iterations") {
				cfg.MaxIterations = maxIterations
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.BatchSize = batchSize
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("topic") {
				fmt.Print("Enter research topic: ")
				input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				topic = strings.TrimSpace(input)
			}
			if strings.TrimSpace(topic) == "" {
				return errors.New("topic cannot be empty")
			}
			return run(cmd.Context(), cfg, func(e *research.Engine) (*research.State, error) {
				return e.Run(cmd.Context(), strings.TrimSpace(topic))
			})
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a saved research run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, func(e *research.Engine) (*research.State, error) {
				state, err := e.Store.Load(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				if state.Status.Terminal() {
					slog.Info("Run already finished", "id", state.ID, "status", state.Status)
				}
				return e.Resume(cmd.Context(), state)
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print progress and sources of a saved run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			state, err := st.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved runs in the local SQLite store",
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlite, err := store.OpenSQLite(cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer sqlite.Close()
			rows, err := sqlite.List(cmd.Context(), 50)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %3d  %s\n", r.ID, r.Status, r.IterationCount, r.Query)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&topic, "topic", "t", "", "The research topic")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "sqlite", "State store: sqlite, postgres or memory")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", ".", "Directory for the report and sources files")
	rootCmd.PersistentFlags().IntVar(&maxIterations, "max-iterations", research.DefaultMaxIterations, "Maximum loop iterations")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", research.DefaultBatchSize, "Items per collect or verify stage")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.AddCommand(resumeCmd, showCmd, listCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

// run builds an engine, drives it with start and writes the outputs
func run(ctx context.Context, cfg *config.Config, start func(*research.Engine) (*research.State, error)) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rc, err := clients.NewResearch(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize clients: %w", err)
	}
	engine := rc.Engine(cfg.Research(), st, slog.Default())

	state, runErr := start(engine)
	if state == nil {
		return runErr
	}

	slog.Info("Research finished", "id", state.ID, "status", state.Status, "iterations", state.IterationCount)
	if err := writeOutputs(outDir, state); err != nil {
		slog.Error("Failed to write outputs", "error", err)
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (research.StateStore, func(), error) {
	switch storeKind {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(db.Pool), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", storeKind)
	}
}
