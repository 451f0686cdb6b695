package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of filesystem events editors emit per save
// into one reload.
const debounce = 200 * time.Millisecond

// ChangeFunc is invoked after a successful reload with the previous and the
// new configuration.
type ChangeFunc func(old, next *Config)

// Watcher hot-reloads one config file. A rewritten file is loaded and
// validated; only a valid result replaces the current config, so a bad edit
// can never take a running process down.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config

	cbMu      sync.Mutex
	callbacks []ChangeFunc

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// Watch loads path, validates it, and starts watching it for rewrites.
// A nil logger means slog.Default.
func Watch(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fs watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		current: cfg,
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run after each successful reload. Callbacks run
// on the goroutine that performed the reload, in registration order.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops watching. Registered callbacks fire no more afterwards.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	kick := make(chan struct{}, 1)
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			switch {
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, func() {
					select {
					case kick <- struct{}{}:
					default:
					}
				})
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				// Editors often replace the file; re-arm the watch once the
				// new inode exists.
				w.logger.Warn("config file moved, re-watching", "path", w.path)
				time.AfterFunc(time.Second, func() { _ = w.fsw.Add(w.path) })
			}

		case <-kick:
			_ = w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

// Reload forces a load-validate-swap outside the filesystem trigger.
func (w *Watcher) Reload() error {
	return w.reload()
}

func (w *Watcher) reload() error {
	next, err := Load(w.path)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		// Keep serving the last valid config.
		w.logger.Warn("config reload rejected", "path", w.path, "err", err)
		return fmt.Errorf("config: reload %s: %w", w.path, err)
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	w.cbMu.Lock()
	callbacks := append([]ChangeFunc(nil), w.callbacks...)
	w.cbMu.Unlock()

	for _, fn := range callbacks {
		w.invoke(fn, prev, next)
	}
	w.logger.Info("config reloaded", "path", w.path)
	return nil
}

// invoke shields the watcher goroutine from callback panics.
func (w *Watcher) invoke(fn ChangeFunc, old, next *Config) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("config change callback panicked", "panic", p)
		}
	}()
	fn(old, next)
}
