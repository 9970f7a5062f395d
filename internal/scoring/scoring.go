// Package scoring turns a transaction into a fraud decision: it derives the
// feature vector, asks a risk oracle for an anomaly score, squashes that
// into a risk in [0,1] and thresholds it.
//
// The oracle is a boundary: this package depends only on the Oracle
// contract, never on how the model behind it was produced.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/fraudstream/internal/decisions"
)

var (
	ErrOracle           = errors.New("scoring: oracle failed")
	ErrInvalidScore     = errors.New("scoring: oracle returned NaN")
	ErrInvalidThreshold = errors.New("scoring: threshold must be in (0, 1]")
)

// Oracle produces an anomaly score for a feature vector. Higher scores mean
// more normal. Implementations must be safe for concurrent use and
// deterministic for a given model version and input.
type Oracle interface {
	Score(ctx context.Context, f Features) (float64, error)
	ModelVersion() string
}

// RiskFromAnomaly maps an anomaly score a onto (0,1) as 1/(1+e^a): a
// logistic squashing of -a, decreasing in a. a=0 gives 0.5.
func RiskFromAnomaly(a float64) float64 {
	return 1 / (1 + math.Exp(a))
}

// Policy holds the classification boundary.
type Policy struct {
	Threshold float64
}

// Validate checks the threshold is usable.
func (p Policy) Validate() error {
	if math.IsNaN(p.Threshold) || p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("%w, got %v", ErrInvalidThreshold, p.Threshold)
	}
	return nil
}

// Classify returns fraud when risk is at or above the threshold.
func (p Policy) Classify(risk float64) decisions.Outcome {
	if risk >= p.Threshold {
		return decisions.OutcomeFraud
	}
	return decisions.OutcomeLegit
}

// FormatExplanation renders the human-readable diagnostic stored with a
// decision. Nothing parses it.
func FormatExplanation(anomaly, risk float64) string {
	return fmt.Sprintf("iforest_score=%.6f,risk=%.3f", anomaly, risk)
}

// Input is what the scorer needs from an event.
type Input struct {
	EventID    string
	MerchantID string
	Amount     float64
	// EventTime is the event's creation time, if the payload carried one.
	EventTime *time.Time
}

// Result is one scored event.
type Result struct {
	Features     Features
	Anomaly      float64
	Risk         float64
	Outcome      decisions.Outcome
	ModelVersion string
	Explanation  string
}

// Decision builds the persisted decision for eventID, stamped at now.
func (r *Result) Decision(eventID string, now time.Time) *decisions.Decision {
	return &decisions.Decision{
		ID:           decisions.IDFor(eventID),
		EventID:      eventID,
		ModelVersion: r.ModelVersion,
		Score:        r.Risk,
		Outcome:      r.Outcome,
		Explanation:  r.Explanation,
		CreatedAt:    now.UTC(),
	}
}

// Scorer wires feature engineering, the oracle and the policy together.
type Scorer struct {
	oracle   Oracle
	policy   Policy
	features FeatureBuilder
	timeout  time.Duration
}

// NewScorer returns a Scorer. timeout bounds each oracle call; zero means
// only the caller's context applies.
func NewScorer(oracle Oracle, policy Policy, features FeatureBuilder, timeout time.Duration) (*Scorer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if features.Now == nil {
		features.Now = time.Now
	}
	return &Scorer{oracle: oracle, policy: policy, features: features, timeout: timeout}, nil
}

// Score computes the decision inputs for one event.
func (s *Scorer) Score(ctx context.Context, in Input) (*Result, error) {
	f := s.features.Build(in.MerchantID, in.Amount, in.EventTime)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	a, err := s.oracle.Score(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracle, err)
	}
	if math.IsNaN(a) {
		return nil, ErrInvalidScore
	}

	risk := RiskFromAnomaly(a)
	return &Result{
		Features:     f,
		Anomaly:      a,
		Risk:         risk,
		Outcome:      s.policy.Classify(risk),
		ModelVersion: s.oracle.ModelVersion(),
		Explanation:  FormatExplanation(a, risk),
	}, nil
}

// Now returns the scorer's clock reading, used to stamp decisions.
func (s *Scorer) Now() time.Time {
	return s.features.Now()
}

// ModelVersion reports the oracle's current model version.
func (s *Scorer) ModelVersion() string {
	return s.oracle.ModelVersion()
}
