// Command fraudctl is the operator CLI for the fraud pipeline: it
// republishes events the consumer never scored, looks up decisions, and
// scores ad-hoc inputs against the configured oracle.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudstream/internal/config"
	"github.com/mbd888/fraudstream/internal/database"
	"github.com/mbd888/fraudstream/internal/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fraudctl",
		Short:         "fraudctl - operate the fraud event pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Overall command timeout")

	rootCmd.AddCommand(republishCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(scoreCmd())
	return rootCmd
}

// env is what every subcommand needs: configuration, a logger writing to
// stderr, and a bounded context.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return &env{
		cfg:    cfg,
		logger: logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, "text"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

var errNoDatabase = errors.New("DATABASE_URL is required for this command")

func (e *env) openDB() (*sql.DB, error) {
	if e.cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	return database.Open(e.ctx, e.cfg.DatabaseURL)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
