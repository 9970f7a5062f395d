// Package oracle provides RiskOracle implementations. The pipeline only sees
// scoring.Oracle; which one runs is decided at startup from config.
package oracle

import (
	"context"
	"errors"

	"github.com/mbd888/fraudstream/internal/scoring"
)

// DefaultModelVersion is reported when a model artifact does not name itself.
const DefaultModelVersion = "iforest-v1"

var ErrUnavailable = errors.New("oracle: model unavailable")

// Static returns the same anomaly score for every input. Used for local
// runs without a model and as a test double.
type Static struct {
	Anomaly float64
	Version string
}

func (s Static) Score(ctx context.Context, _ scoring.Features) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Anomaly, nil
}

func (s Static) ModelVersion() string {
	if s.Version == "" {
		return "static"
	}
	return s.Version
}
