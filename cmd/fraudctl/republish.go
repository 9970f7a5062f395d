package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudstream/internal/decisions"
	"github.com/mbd888/fraudstream/internal/events"
	"github.com/mbd888/fraudstream/internal/ingest"
	"github.com/mbd888/fraudstream/internal/stream"
)

func republishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "republish",
		Short: "Republish stored events that have no decision",
		Long: `Page through stored events older than --older-than and publish those that
have no decision yet, up to --limit. Use after a publish failure left events stored but
unscored. Safe to repeat: the consumer upserts decisions idempotently.`,
		Args: cobra.NoArgs,
		RunE: runRepublish,
	}

	cmd.Flags().Duration("older-than", 5*time.Minute, "Only consider events stored at least this long ago")
	cmd.Flags().IntP("limit", "n", 500, "Maximum events to republish")
	return cmd
}

func runRepublish(cmd *cobra.Command, _ []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

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

	producer := stream.NewKafkaProducer(stream.ProducerConfig{
		Brokers:         e.cfg.KafkaBrokers,
		Topic:           e.cfg.TransactionsTopic,
		DeliveryTimeout: e.cfg.DeliveryTimeout,
		MaxAttempts:     e.cfg.ProducerMaxAttempts,
	}, e.logger)
	defer func() { _ = producer.Close() }()

	r := ingest.NewRepublisher(events.NewPostgresStore(db), decisions.NewPostgresStore(db), producer, e.logger)
	report, err := r.Run(e.ctx, olderThan, limit)
	if err != nil {
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d events failed to publish", report.Failed, report.Republished+report.Failed)
	}
	return nil
}
