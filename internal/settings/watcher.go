package settings

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"bandix-monitor/internal/ubus"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher serves the current configuration and swaps in a new one when the
// file changes. An invalid file keeps the previous configuration.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	logger   logrus.FieldLogger
	debounce time.Duration

	mu        sync.Mutex
	listeners []func(Config)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

func WithWatcherLogger(logger logrus.FieldLogger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce coalesces bursts of file events.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// NewWatcher constructs a watcher seeded with an already validated config.
func NewWatcher(path string, initial Config, opts ...WatcherOption) (*Watcher, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		logger:   logrus.StandardLogger(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(&initial)
	return w, nil
}

// Current returns a copy of the active configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

func (w *Watcher) CurrentPollInterval() time.Duration {
	return w.current.Load().Collector.PollInterval
}

func (w *Watcher) SuppressionWindow() time.Duration {
	return w.current.Load().Alerts.SuppressionWindow
}

// Credentials implements ubus.CredentialsSource.
func (w *Watcher) Credentials() ubus.Credentials {
	remote := w.current.Load().Remote
	return ubus.Credentials{Username: remote.Username, Password: remote.Password}
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(Config)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Reload re-reads the file. The active configuration only changes when the
// new one validates.
func (w *Watcher) Reload() error {
	if w.path == "" {
		return errors.New("settings: no config file to reload")
	}
	next, err := Load(w.path)
	if err != nil {
		return err
	}
	prev := w.current.Swap(&next)
	w.warnRestartOnly(*prev, next)

	w.mu.Lock()
	listeners := append([]func(Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

func (w *Watcher) warnRestartOnly(prev, next Config) {
	fields := logrus.Fields{}
	if prev.Remote.URL != next.Remote.URL {
		fields["remote.url"] = next.Remote.URL
	}
	if prev.HTTP.Addr != next.HTTP.Addr {
		fields["http.addr"] = next.HTTP.Addr
	}
	if prev.Store != next.Store {
		fields["store.driver"] = next.Store.Driver
	}
	if len(fields) > 0 {
		w.logger.WithFields(fields).Warn("settings changed that take effect after restart")
	}
}

// Run watches the config file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	target := filepath.Clean(w.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return err
	}
	w.logger.WithField("path", target).Info("watching settings file")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.WithFields(logrus.Fields{"path": target, "err": err}).Error("settings reload rejected; keeping previous config")
				continue
			}
			w.logger.WithField("path", target).Info("settings reloaded")

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("settings watcher error")
		}
	}
}
