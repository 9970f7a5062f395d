package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudstream/internal/oracle"
	"github.com/mbd888/fraudstream/internal/scoring"
)

type scoreOutput struct {
	Features     scoring.Features `json:"features"`
	AnomalyScore float64          `json:"anomaly_score"`
	RiskScore    float64          `json:"risk_score"`
	Decision     string           `json:"decision"`
	ModelVersion string           `json:"model_version"`
	Explanation  string           `json:"explanation"`
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a transaction against the configured oracle without storing it",
		Args:  cobra.NoArgs,
		RunE:  runScore,
	}

	cmd.Flags().StringP("merchant", "m", "", "Merchant ID (required)")
	cmd.Flags().Float64P("amount", "a", 0, "Transaction amount (required, > 0)")
	cmd.Flags().String("at", "", "Event time (RFC3339); used when FEATURE_HOUR_SOURCE=event")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func runScore(cmd *cobra.Command, _ []string) error {
	merchant, _ := cmd.Flags().GetString("merchant")
	amount, _ := cmd.Flags().GetFloat64("amount")
	at, _ := cmd.Flags().GetString("at")
	if amount <= 0 {
		return fmt.Errorf("--amount must be positive")
	}

	var eventTime *time.Time
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		eventTime = &t
	}

	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.cancel()

	orc, stop, err := oracle.Select(oracle.Settings{
		URL:       e.cfg.OracleURL,
		ModelFile: e.cfg.OracleModelFile,
		Timeout:   e.cfg.OracleTimeout,
	}, e.logger)
	if err != nil {
		return err
	}
	defer stop()

	source, err := scoring.ParseHourSource(e.cfg.HourSource)
	if err != nil {
		return err
	}
	scorer, err := scoring.NewScorer(orc,
		scoring.Policy{Threshold: e.cfg.DecisionThreshold},
		scoring.FeatureBuilder{Source: source},
		e.cfg.OracleTimeout)
	if err != nil {
		return err
	}

	res, err := scorer.Score(e.ctx, scoring.Input{MerchantID: merchant, Amount: amount, EventTime: eventTime})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), scoreOutput{
		Features:     res.Features,
		AnomalyScore: res.Anomaly,
		RiskScore:    res.Risk,
		Decision:     string(res.Outcome),
		ModelVersion: res.ModelVersion,
		Explanation:  res.Explanation,
	})
}
