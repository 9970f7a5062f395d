package oracle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudstream/internal/scoring"
)

// Settings picks an oracle implementation. URL wins over ModelFile; with
// neither, a Static oracle scoring every input as perfectly normal is used.
type Settings struct {
	URL       string
	ModelFile string
	Timeout   time.Duration
}

// Select builds the configured oracle. The returned stop func releases
// background resources (the model file watcher) and is never nil.
func Select(s Settings, logger *slog.Logger) (scoring.Oracle, func(), error) {
	switch {
	case s.URL != "":
		h, err := NewHTTP(s.URL, s.Timeout)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using remote risk oracle", "url", s.URL)
		return h, func() {}, nil

	case s.ModelFile != "":
		f, err := NewFile(s.ModelFile, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("oracle: load model file: %w", err)
		}
		stop, err := f.Watch()
		if err != nil {
			logger.Warn("model file hot reload disabled", "path", s.ModelFile, "error", err)
			stop = func() {}
		}
		logger.Info("using file risk oracle", "path", s.ModelFile, "model_version", f.ModelVersion())
		return f, stop, nil

	default:
		logger.Warn("no risk oracle configured, every event scores 0.5")
		return Static{Version: DefaultModelVersion}, func() {}, nil
	}
}
