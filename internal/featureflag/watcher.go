package featureflag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Watcher reloads flag definitions from a YAML file whenever it changes.
//
// The file holds a flat map of flag name to definition:
//
//	deals-pipeline-v2:
//	  enabled: true
//	  rollout: 25
//	  tenants: [acme]
//
// A parse failure keeps the previous definitions in place, so a
// half-written file never drops flags that were already loaded.
type Watcher struct {
	path      string
	evaluator *Evaluator
	log       *zap.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given definitions file.
func NewWatcher(path string, evaluator *Evaluator, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving flags file path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	return &Watcher{
		path:      abs,
		evaluator: evaluator,
		log:       log,
		watcher:   fw,
		stop:      make(chan struct{}),
	}, nil
}

// Start performs the initial load and begins watching for changes. The
// initial load is fatal when it fails: a config that points at a missing
// or broken file is a deployment error, not something to limp past.
//
// Editors and config management tools typically replace files via
// rename, which drops the inotify watch on the file itself. The watch
// therefore goes on the parent directory and events are filtered by
// file name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return fmt.Errorf("loading flag definitions: %w", err)
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching flags directory: %w", err)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases the filesystem watch.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		// Already stopped
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.log.Warn("flag reload failed, keeping previous definitions",
					zap.String("path", w.path),
					zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("flags watcher error", zap.Error(err))
		}
	}
}

// reload parses the definitions file and swaps the evaluator's flag set.
func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		Reloads.WithLabelValues("error").Inc()
		return fmt.Errorf("reading flags file: %w", err)
	}

	// "/" as the key delimiter: flag names are the top-level keys and
	// must not be split on dots.
	k := koanf.New("/")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		Reloads.WithLabelValues("error").Inc()
		return fmt.Errorf("parsing flags file: %w", err)
	}

	var defs map[string]Flag
	if err := k.Unmarshal("", &defs); err != nil {
		Reloads.WithLabelValues("error").Inc()
		return fmt.Errorf("unmarshaling flag definitions: %w", err)
	}

	n := w.evaluator.Replace(defs)
	Reloads.WithLabelValues("success").Inc()
	w.log.Info("flag definitions loaded",
		zap.String("path", w.path),
		zap.Int("flags", n))
	return nil
}
