package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/polisai/conduit/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// FileConfigProvider implements domain.ConfigService using a local pipelines file.
type FileConfigProvider struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	snapshot    domain.Snapshot
	generation  int64
	subscribers []chan domain.Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// FileProviderOption customises a FileConfigProvider.
type FileProviderOption func(*FileConfigProvider)

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) FileProviderOption {
	return func(p *FileConfigProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDebounce sets how long file events settle before a reload.
func WithDebounce(d time.Duration) FileProviderOption {
	return func(p *FileConfigProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// NewFileConfigProvider creates a new provider watching the specified file.
func NewFileConfigProvider(path string, opts ...FileProviderOption) (*FileConfigProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &FileConfigProvider{
		path:     absPath,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		watcher:  watcher,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	// A missing or broken file leaves the provider empty; it still watches.
	if err := p.load(); err != nil {
		p.logger.Warn("initial pipeline load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// CurrentSnapshot returns the current configuration.
func (p *FileConfigProvider) CurrentSnapshot() domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives configuration updates. The
// current snapshot is delivered first.
func (p *FileConfigProvider) Subscribe() <-chan domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileConfigProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileConfigProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.load(); err != nil {
						p.logger.Error("pipeline reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("pipelines reloaded", "path", p.path)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("pipeline watcher error", "path", p.path, "error", err)
		}
	}
}

func (p *FileConfigProvider) load() error {
	snapshot, err := ReadSnapshot(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.generation++
	if snapshot.Generation < p.generation {
		snapshot.Generation = p.generation
	} else {
		p.generation = snapshot.Generation
	}
	p.snapshot = snapshot
	subscribers := make([]chan domain.Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// A full channel still holds an unread snapshot; replace it with this one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}

	return nil
}

// ReadSnapshot parses a YAML or JSON pipelines file into a domain snapshot.
func ReadSnapshot(path string) (domain.Snapshot, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, err
	}

	var snapshot Snapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		if jsonErr := json.Unmarshal(data, &snapshot); jsonErr != nil {
			return domain.Snapshot{}, fmt.Errorf("failed to parse pipelines file: %w", err)
		}
	}
	snapshot.ReceivedAt = time.Now()

	domainSnapshot, err := snapshot.ToDomain()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to convert pipelines: %w", err)
	}
	return domainSnapshot, nil
}
