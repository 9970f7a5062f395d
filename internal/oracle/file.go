package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/fraudstream/internal/scoring"
)

// Model is the YAML artifact read by File. Features are standardized with
// the stored mean and scale, and the anomaly score is
//
//	offset - sqrt(sum(weights[i] * z[i]^2))
//
// so inputs near the training mean score highest (most normal).
type Model struct {
	ModelName    string    `yaml:"model_name"`
	ModelVersion string    `yaml:"model_version"`
	Features     []string  `yaml:"features"`
	Mean         []float64 `yaml:"mean"`
	Scale        []float64 `yaml:"scale"`
	Weights      []float64 `yaml:"weights"`
	Offset       float64   `yaml:"offset"`
}

const featureCount = 3

func (m *Model) validate() error {
	if len(m.Mean) != featureCount || len(m.Scale) != featureCount {
		return fmt.Errorf("model needs %d mean and scale values, got %d and %d", featureCount, len(m.Mean), len(m.Scale))
	}
	if m.Weights == nil {
		m.Weights = []float64{1, 1, 1}
	}
	if len(m.Weights) != featureCount {
		return fmt.Errorf("model needs %d weights, got %d", featureCount, len(m.Weights))
	}
	for i, s := range m.Scale {
		if s <= 0 || math.IsNaN(s) {
			return fmt.Errorf("scale[%d] must be positive", i)
		}
	}
	if m.ModelVersion == "" {
		m.ModelVersion = DefaultModelVersion
	}
	return nil
}

func (m *Model) score(f scoring.Features) float64 {
	x := f.Vector()
	var sum float64
	for i := range x {
		z := (x[i] - m.Mean[i]) / m.Scale[i]
		sum += m.Weights[i] * z * z
	}
	return m.Offset - math.Sqrt(sum)
}

// File scores with a Model loaded from disk. Watch hot-reloads the model
// when the file changes; a bad file keeps the previous model in place.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Model
}

// NewFile loads the model at path.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	f := &File{path: path, logger: logger}
	m, err := f.load()
	if err != nil {
		return nil, err
	}
	f.current = m
	return f, nil
}

func (f *File) Score(ctx context.Context, features scoring.Features) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	m := f.current
	f.mu.RUnlock()
	return m.score(features), nil
}

func (f *File) ModelVersion() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.ModelVersion
}

// Reload re-reads the model file now.
func (f *File) Reload() error {
	m, err := f.load()
	if err != nil {
		return err
	}
	f.mu.Lock()
	prev := f.current.ModelVersion
	f.current = m
	f.mu.Unlock()
	f.logger.Info("model reloaded", "path", f.path, "from", prev, "to", m.ModelVersion)
	return nil
}

// Watch reloads the model when the file changes until the returned stop
// function is called. It watches the parent directory so that atomic
// replaces (rename over the file, or a Kubernetes ConfigMap swapping its
// ..data symlink) keep being picked up.
func (f *File) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("model watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("model watcher add %s: %w", dir, err)
	}

	target := filepath.Clean(f.path)
	resolved, _ := filepath.EvalSymlinks(target)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !modelChanged(ev, target, &resolved) {
					continue
				}
				if err := f.Reload(); err != nil {
					f.logger.Warn("model reload failed, keeping previous model", "path", f.path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn("model watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// modelChanged reports whether ev may have replaced the model at target.
// Events on the file itself count when they leave content behind (a write,
// or a create from a rename landing on the path); removal waits for the
// replacement. Any other event in the directory counts only if target now
// resolves through symlinks to a different file.
func modelChanged(ev fsnotify.Event, target string, resolved *string) bool {
	if filepath.Clean(ev.Name) == target {
		return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) {
		return false
	}
	cur, err := filepath.EvalSymlinks(target)
	if err != nil || cur == *resolved {
		return false
	}
	*resolved = cur
	return true
}

func (f *File) load() (*Model, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", f.path, err)
	}
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", f.path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", f.path, err)
	}
	return &m, nil
}
