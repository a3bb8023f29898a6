package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher reloads the configuration when the file viper read from changes.
// Invalid edits are reported through onError and the previous
// configuration stays in effect.
type Watcher struct {
	mu      sync.Mutex
	current *Config
	subs    []func(*Config)
	onError func(error)
}

// NewWatcher creates a Watcher seeded with cfg. Call Start to begin
// watching; viper only supports a single watch per process.
func NewWatcher(cfg *Config, onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{current: cfg, onError: onError}
}

// OnChange registers fn to be called with every successfully reloaded Config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching the config file. It is a no-op when viper did not
// read a file.
func (w *Watcher) Start() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.Reload()
	})
	viper.WatchConfig()
}

// Reload re-reads the configuration from viper and notifies subscribers
// when it is valid.
func (w *Watcher) Reload() {
	cfg, err := Load()
	if err != nil {
		w.onError(err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}
