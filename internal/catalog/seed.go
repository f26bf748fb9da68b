package catalog

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// seedFile is the YAML layout of a rules seed file.
type seedFile struct {
	Rules []*domain.Rule `yaml:"rules"`
}

// LoadSeedFile parses a YAML rules file. Rules are validated later by the
// catalog's reload path so a bad seed never disturbs the active snapshot.
func LoadSeedFile(path string) ([]*domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules seed %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules seed %s: %w", path, err)
	}
	return f.Rules, nil
}

// WatchSeedFile hot-reloads the seed file on change, applying it through
// apply (normally Catalog.Reload plus persistence). Reload failures are
// logged and the previous snapshot stays active. Call the returned stop
// function to clean up.
func WatchSeedFile(path string, apply func([]*domain.Rule) error) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("seed watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("seed watcher add %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				rules, err := LoadSeedFile(path)
				if err != nil {
					slog.Error("rules seed reload failed", "path", path, "error", err)
					continue
				}
				if err := apply(rules); err != nil {
					slog.Error("rules seed rejected", "path", path, "error", err)
					continue
				}
				slog.Info("rules seed reloaded", "path", path, "count", len(rules))
			case <-w.Errors:
				// Ignore watcher errors; the next write retriggers.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
