package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// DefaultReloadDebounce is the quiet period after the last event on the
// config file before it is reloaded
const DefaultReloadDebounce = 300 * time.Millisecond

// ReloadCallback receives the reloaded configuration, or the error that
// prevented loading it
type ReloadCallback func(*types.DeployConfig, error)

// ReloadManager reloads a deployer configuration file when it changes.
// Saves that leave the content unchanged do not trigger a reload.
type ReloadManager struct {
	path     string
	logger   logger.Logger
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	content   []byte
	current   *types.DeployConfig
	fsw       *fsnotify.Watcher
	timer     *time.Timer
	done      chan struct{}
}

// NewReloadManager creates a reload manager for the config file at path
func NewReloadManager(path string, log logger.Logger) *ReloadManager {
	if log == nil {
		log = logger.Discard()
	}
	return &ReloadManager{path: path, logger: log, debounce: DefaultReloadDebounce}
}

// AddCallback registers a callback run after every reload attempt
func (rm *ReloadManager) AddCallback(cb ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, cb)
}

// SetDebouncePeriod changes the quiet period before a reload
func (rm *ReloadManager) SetDebouncePeriod(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debounce = d
}

// StartWatching records the current content of the file and starts
// watching its directory. Editors replace files, so the file itself is
// not watched.
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.fsw != nil {
		return fmt.Errorf("already watching %s", rm.path)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(rm.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	rm.content, _ = os.ReadFile(rm.path)
	rm.current, _ = NewManager().LoadConfig(rm.path)
	rm.fsw = fsw
	rm.done = make(chan struct{})
	go rm.loop(fsw, rm.done)

	rm.logger.Debug("Watching configuration", logger.WithField("path", rm.path))
	return nil
}

// StopWatching stops the watcher and waits for its goroutine to exit
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	if rm.fsw == nil {
		rm.mu.Unlock()
		return nil
	}
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
	err := rm.fsw.Close()
	done := rm.done
	rm.fsw = nil
	rm.mu.Unlock()

	<-done
	return err
}

// IsWatching reports whether the manager is watching the file
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.fsw != nil
}

func (rm *ReloadManager) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	name := filepath.Base(rm.path)
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			// editors write siblings such as deployer.yaml~ or .deployer.yaml.swp
			if !strings.Contains(filepath.Base(event.Name), name) {
				continue
			}
			rm.schedule()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			rm.logger.Warn("Configuration watcher error", logger.WithError(err))
		}
	}
}

func (rm *ReloadManager) schedule() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.fsw == nil {
		return
	}
	if rm.timer != nil {
		rm.timer.Stop()
	}
	rm.timer = time.AfterFunc(rm.debounce, rm.reload)
}

func (rm *ReloadManager) reload() {
	data, err := os.ReadFile(rm.path)
	if err != nil {
		rm.notify(nil, fmt.Errorf("failed to read config file: %w", err))
		return
	}

	rm.mu.Lock()
	if bytes.Equal(data, rm.content) {
		rm.mu.Unlock()
		return
	}
	rm.content = data
	previous := rm.current
	rm.mu.Unlock()

	cfg, err := NewManager().LoadConfig(rm.path)
	if err != nil {
		rm.logger.Error("Configuration not reloaded", logger.WithError(err))
		rm.notify(nil, err)
		return
	}

	rm.mu.Lock()
	rm.current = cfg
	rm.mu.Unlock()

	rm.logger.Info("Configuration reloaded",
		logger.WithField("environment", cfg.GetEnvironment()),
		logger.WithField("changed", strings.Join(ChangedSettings(previous, cfg), ",")))
	rm.notify(cfg, nil)
}

func (rm *ReloadManager) notify(cfg *types.DeployConfig, err error) {
	rm.mu.Lock()
	callbacks := append([]ReloadCallback(nil), rm.callbacks...)
	rm.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}()
	}
}

// ChangedSettings returns the top-level settings that differ between two
// configurations, named by their file keys. A nil old config differs in
// every setting.
func ChangedSettings(old, updated *types.DeployConfig) []string {
	if updated == nil {
		return nil
	}
	nv := reflect.ValueOf(*updated)
	var ov reflect.Value
	if old != nil {
		ov = reflect.ValueOf(*old)
	}

	var changed []string
	t := nv.Type()
	for i := 0; i < t.NumField(); i++ {
		if ov.IsValid() && reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		changed = append(changed, key)
	}
	return changed
}
