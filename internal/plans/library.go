package plans

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/debounce"
)

const (
	planFilePattern = "**/*.{yaml,yml}"
	reloadDelay     = 250 * time.Millisecond
)

// Library holds the loaded plan definitions for a directory. Load problems
// in individual files are logged and skipped so one broken definition never
// takes down the rest of the catalog.
type Library struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	plans map[string]Plan

	watcher *fsnotify.Watcher
	reload  debounce.Task
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLibrary loads every plan definition under dir. The directory is
// created if it does not exist so a fresh install starts with an empty
// catalog rather than an error.
func NewLibrary(dir string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("plans: create directory: %w", err)
	}
	library := &Library{
		dir:    dir,
		logger: logger,
		plans:  make(map[string]Plan),
	}
	library.Reload()
	return library, nil
}

// Reload rescans the directory and swaps the catalog in one step.
func (l *Library) Reload() {
	paths, err := doublestar.FilepathGlob(filepath.Join(l.dir, planFilePattern))
	if err != nil {
		l.logger.Warn("plan discovery failed", zap.String("dir", l.dir), zap.Error(err))
		return
	}
	sort.Strings(paths)

	loaded := make(map[string]Plan)
	sources := make(map[string]string)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("plan file unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		plan, err := parsePlan(filepath.Base(path), data)
		if err != nil {
			l.logger.Warn("plan file rejected", zap.String("path", path), zap.Error(err))
			continue
		}
		if first, ok := sources[plan.ID]; ok {
			l.logger.Warn("duplicate plan id",
				zap.String("id", plan.ID),
				zap.String("kept", first),
				zap.String("skipped", path))
			continue
		}
		loaded[plan.ID] = plan
		sources[plan.ID] = path
	}

	l.mu.Lock()
	l.plans = loaded
	l.mu.Unlock()
	l.logger.Info("reading plans loaded", zap.Int("count", len(loaded)), zap.String("dir", l.dir))
}

// Watch starts hot reloading. File events are debounced so an editor's
// write-rename dance triggers a single rescan. New subdirectories are
// picked up as they appear.
func (l *Library) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plans: start watcher: %w", err)
	}
	if err := addDirectories(watcher, l.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.run()
	return nil
}

func addDirectories(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("plans: watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (l *Library) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("plan watcher error", zap.Error(err))
		}
	}
}

func (l *Library) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.watcher.Add(event.Name); err != nil {
				l.logger.Warn("plan watcher add failed", zap.String("path", event.Name), zap.Error(err))
			}
			l.scheduleReload()
			return
		}
	}
	if !isPlanFile(event.Name) {
		return
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		l.scheduleReload()
	}
}

func (l *Library) scheduleReload() {
	l.reload.Schedule(reloadDelay, l.Reload)
}

func isPlanFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Close stops the watcher. The loaded catalog stays readable.
func (l *Library) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.wg.Wait()
	l.reload.Cancel()
	return err
}

// Plans returns the catalog sorted by name, with id as tie-break.
func (l *Library) Plans() []Plan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	plans := make([]Plan, 0, len(l.plans))
	for _, plan := range l.plans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Name != plans[j].Name {
			return plans[i].Name < plans[j].Name
		}
		return plans[i].ID < plans[j].ID
	})
	return plans
}

// Plan looks up a plan by id.
func (l *Library) Plan(id string) (Plan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	plan, ok := l.plans[id]
	return plan, ok
}
