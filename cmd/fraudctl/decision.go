package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudstream/internal/decisions"
)

func decisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decision [event-id]",
		Short: "Show the decision recorded for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.cancel()

			db, err := e.openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			d, err := decisions.NewPostgresStore(db).Get(e.ctx, args[0])
			if errors.Is(err, decisions.ErrNotFound) {
				return fmt.Errorf("no decision for event %q yet", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}
