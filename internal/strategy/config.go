package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"quant-core/pkg/logger"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultSymbol   = "BTCUSDT"
)

// Run is one strategy executing for one user over a set of symbols.
type Run struct {
	ID           string         `yaml:"id" json:"id"`
	UserID       string         `yaml:"user_id" json:"userId"`
	StrategyName string         `yaml:"strategy" json:"strategy"`
	Symbols      []string       `yaml:"symbols" json:"symbols"`
	Interval     time.Duration  `yaml:"interval" json:"interval"`
	Params       map[string]any `yaml:"params" json:"params,omitempty"`
	Enabled      bool           `yaml:"enabled" json:"enabled"`
}

// Key identifies a run; the id when set, otherwise user and strategy.
func (r Run) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.UserID + "/" + r.StrategyName
}

func (r Run) withDefaults() Run {
	if r.Interval <= 0 {
		r.Interval = DefaultInterval
	}
	if len(r.Symbols) == 0 {
		r.Symbols = []string{DefaultSymbol}
	}
	return r
}

// RunFile is the top-level YAML structure.
type RunFile struct {
	Runs []Run `yaml:"runs"`
}

// LoadRuns reads the enabled runs from a YAML file.
func LoadRuns(path string) ([]Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file RunFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]Run, 0, len(file.Runs))
	seen := make(map[string]bool, len(file.Runs))
	for i, r := range file.Runs {
		if !r.Enabled {
			continue
		}
		if r.UserID == "" || r.StrategyName == "" {
			return nil, fmt.Errorf("run %d: user_id and strategy are required", i)
		}
		if seen[r.Key()] {
			return nil, fmt.Errorf("run %d: duplicate run %s", i, r.Key())
		}
		seen[r.Key()] = true
		out = append(out, r.withDefaults())
	}
	return out, nil
}

// Watch calls onChange with the reloaded runs whenever path is written or
// recreated. Parse errors are logged and the previous runs stay in effect.
// It blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func([]Run)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			runs, err := LoadRuns(abs)
			if err != nil {
				logger.Warnf("reload %s: %v", abs, err)
				continue
			}
			logger.Infof("strategy runs reloaded from %s (%d enabled)", abs, len(runs))
			onChange(runs)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("watch %s: %v", abs, err)
		}
	}
}
