package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudstream/internal/circuitbreaker"
	"github.com/mbd888/fraudstream/internal/metrics"
	"github.com/mbd888/fraudstream/internal/retry"
	"github.com/mbd888/fraudstream/internal/scoring"
)

// HTTP calls a remote model server:
//
//	POST <url>  {"features": {...}, "vector": [amount, merchant_risk, hour]}
//	200         {"score": -0.41, "model_version": "iforest-v1"}
//
// Transient failures (network errors, 5xx) are retried under the retry
// policy; repeated failures open the circuit so a dead model server costs
// the consumer nothing per message until it recovers.
type HTTP struct {
	url     string
	target  string
	client  *http.Client
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
	version atomic.Value // string
}

type scoreRequest struct {
	Features scoring.Features `json:"features"`
	Vector   []float64        `json:"vector"`
}

type scoreResponse struct {
	Score        *float64 `json:"score"`
	ModelVersion string   `json:"model_version"`
}

// NewHTTP creates a remote oracle. timeout bounds each HTTP attempt.
func NewHTTP(rawURL string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("oracle: invalid url %q", rawURL)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h := &HTTP{
		url:     rawURL,
		target:  u.Host,
		client:  &http.Client{Timeout: timeout},
		retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
	h.version.Store(DefaultModelVersion)
	return h, nil
}

func (h *HTTP) Score(ctx context.Context, f scoring.Features) (float64, error) {
	body, err := json.Marshal(scoreRequest{Features: f, Vector: f.Vector()})
	if err != nil {
		return 0, err
	}

	var score float64
	err = h.breaker.Execute(h.target, func() error {
		return h.retry.Do(ctx, func(ctx context.Context) error {
			s, err := h.post(ctx, body)
			if err != nil {
				return err
			}
			score = s
			return nil
		})
	})
	switch {
	case err == nil:
		metrics.OracleRequestsTotal.WithLabelValues("ok").Inc()
		return score, nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.OracleRequestsTotal.WithLabelValues("open").Inc()
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		metrics.OracleRequestsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
}

func (h *HTTP) post(ctx context.Context, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("oracle: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, retry.Permanent(fmt.Errorf("oracle: status %d", resp.StatusCode))
	}

	var out scoreResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, retry.Permanent(fmt.Errorf("oracle: decode response: %w", err))
	}
	if out.Score == nil {
		return 0, retry.Permanent(errors.New("oracle: response has no score"))
	}
	if out.ModelVersion != "" {
		h.version.Store(out.ModelVersion)
	}
	return *out.Score, nil
}

// ModelVersion is the version the server last reported.
func (h *HTTP) ModelVersion() string {
	return h.version.Load().(string)
}

// Ping reports whether the oracle's circuit is closed or probing.
func (h *HTTP) Ping(context.Context) error {
	if h.breaker.State(h.target) == circuitbreaker.StateOpen {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return nil
}
