package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Update is one successfully loaded configuration.
type Update struct {
	Generation uint64
	Config     *Config
}

// FileConfigProvider loads a configuration file and reloads it on change.
// A file that fails to load or validate is logged and ignored; subscribers
// keep the last good configuration.
type FileConfigProvider struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	current     Update
	subscribers []chan Update
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	onReload    func(error)
}

// ProviderOption customises a FileConfigProvider.
type ProviderOption func(*FileConfigProvider)

// WithLogger sets the logger used for reload events.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *FileConfigProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDebounce sets how long the provider waits for writes to settle.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *FileConfigProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithReloadHook is called after every reload attempt with its error.
func WithReloadHook(fn func(error)) ProviderOption {
	return func(p *FileConfigProvider) {
		p.onReload = fn
	}
}

// NewFileConfigProvider loads path and starts watching it. Unlike a reload,
// the initial load must succeed.
func NewFileConfigProvider(path string, opts ...ProviderOption) (*FileConfigProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileConfigProvider{
		path:     absPath,
		logger:   slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(p)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}
	p.current = Update{Generation: 1, Config: cfg}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last good configuration.
func (p *FileConfigProvider) Current() Update {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives configuration updates, starting
// with the current one.
func (p *FileConfigProvider) Subscribe() <-chan Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Update, 1)
	p.subscribers = append(p.subscribers, ch)
	// Send current state immediately
	ch <- p.current
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *FileConfigProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileConfigProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			// We only care about our specific file
			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					p.reload()
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "path", p.path, "error", err)
		}
	}
}

func (p *FileConfigProvider) reload() {
	cfg, err := Load(p.path)
	if p.onReload != nil {
		p.onReload(err)
	}
	if err != nil {
		p.logger.Error("config reload failed, keeping previous configuration", "path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	p.current = Update{Generation: p.current.Generation + 1, Config: cfg}
	update := p.current

	// Notify subscribers, replacing any update they have not consumed yet.
	for _, ch := range p.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- update:
		default:
		}
	}
	p.mu.Unlock()

	p.logger.Info("configuration reloaded", "path", p.path, "generation", update.Generation)
}
