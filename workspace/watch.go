package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// eventChannelBuffer is the size of the watch event channel.
	eventChannelBuffer = 256

	// defaultDebounceDelay is how long writes are accumulated before
	// events are emitted, so multi-chunk writes settle first.
	defaultDebounceDelay = 500 * time.Millisecond
)

// WatchConfig configures artifact directory watching.
type WatchConfig struct {
	// DebounceDelay is how long to wait for further writes before
	// emitting events.
	DebounceDelay time.Duration

	// ExcludeDirs lists directory names to skip.
	ExcludeDirs []string
}

// DefaultWatchConfig returns the default watch configuration.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		DebounceDelay: defaultDebounceDelay,
		ExcludeDirs:   []string{".git"},
	}
}

func (c *WatchConfig) debounce() time.Duration {
	if c.DebounceDelay <= 0 {
		return defaultDebounceDelay
	}
	return c.DebounceDelay
}

// ArtifactEvent describes a change to one file under a watched
// artifacts directory.
type ArtifactEvent struct {
	// Path is relative to the artifacts directory, slash separated.
	Path string

	// AbsPath is the absolute file path.
	AbsPath string

	// Operation is the type of change.
	Operation WatchOperation
}

// WatchOperation indicates the type of file operation.
type WatchOperation string

// WatchOpCreate, WatchOpModify, and WatchOpDelete enumerate the file
// watch operation types.
const (
	WatchOpCreate WatchOperation = "create"
	WatchOpModify WatchOperation = "modify"
	WatchOpDelete WatchOperation = "delete"
)

// ArtifactWatcher watches a job's artifacts directory and emits one
// event per settled file change. Stages write artifacts while the job
// runs, including into nested directories such as migrations/, so
// watches are added recursively and follow newly created directories.
type ArtifactWatcher struct {
	config   WatchConfig
	dir      string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	excludes map[string]bool

	// Debouncing: collect changes before processing
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// Hash-based change detection, so a stage rewriting an artifact
	// with identical bytes on a retried attempt emits nothing
	hashMu sync.RWMutex
	hashes map[string]string

	// Output channel
	events chan ArtifactEvent

	// Metrics
	droppedEvents atomic.Int64
}

// Watch starts an artifact watcher for a job's workspace. The watcher
// runs until ctx is cancelled or Stop is called; changes arrive on
// Events().
func (m *Manager) Watch(ctx context.Context, jobID string) (*ArtifactWatcher, error) {
	ws, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}

	watcher, err := NewArtifactWatcher(DefaultWatchConfig(), ws.ArtifactsDir, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create artifact watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Stop()
		return nil, err
	}
	return watcher, nil
}

// NewArtifactWatcher creates a watcher over an artifacts directory.
func NewArtifactWatcher(config WatchConfig, dir string, logger *slog.Logger) (*ArtifactWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	excludes := make(map[string]bool)
	if len(config.ExcludeDirs) == 0 {
		excludes[".git"] = true
	} else {
		for _, d := range config.ExcludeDirs {
			excludes[d] = true
		}
	}

	return &ArtifactWatcher{
		config:   config,
		dir:      dir,
		watcher:  fsw,
		logger:   logger,
		excludes: excludes,
		pending:  make(map[string]fsnotify.Op),
		hashes:   make(map[string]string),
		events:   make(chan ArtifactEvent, eventChannelBuffer),
	}, nil
}

// Events returns the channel of artifact events.
func (w *ArtifactWatcher) Events() <-chan ArtifactEvent {
	return w.events
}

// Start begins watching the artifacts directory for changes.
func (w *ArtifactWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	if err := w.addWatchesRecursive(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Artifact watcher started",
		"dir", w.dir,
		"debounce", w.config.debounce())

	return nil
}

// Stop stops the watcher.
// The events channel is closed by processEvents when it exits.
func (w *ArtifactWatcher) Stop() error {
	return w.watcher.Close()
}

// DroppedEvents returns the number of events dropped due to channel
// overflow.
func (w *ArtifactWatcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

// addWatchesRecursive adds watches to all directories under root.
func (w *ArtifactWatcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		base := filepath.Base(path)
		if w.excludes[base] {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		}
		return nil
	})
}

// processEvents handles fsnotify events with debouncing.
func (w *ArtifactWatcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.config.debounce())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

// handleFSEvent processes a single fsnotify event.
func (w *ArtifactWatcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	// Directory creation needs a new watch; stages create nested
	// artifact directories like migrations/ mid-run.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}

	relPath, _ := filepath.Rel(w.dir, path)
	for excludeDir := range w.excludes {
		if strings.Contains(relPath, excludeDir+string(filepath.Separator)) {
			return
		}
	}

	w.pendingMu.Lock()
	w.pending[path] = event.Op
	w.pendingMu.Unlock()
}

// handleNewDirectory adds a watch to a newly created directory.
func (w *ArtifactWatcher) handleNewDirectory(path string) {
	base := filepath.Base(path)
	if w.excludes[base] {
		return
	}

	if err := w.watcher.Add(path); err != nil {
		w.logger.Warn("Failed to watch new directory",
			"path", path,
			"error", err)
	}
}

// flushPending processes accumulated changes.
func (w *ArtifactWatcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}

	toProcess := make(map[string]fsnotify.Op)
	for k, v := range w.pending {
		toProcess[k] = v
	}
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relPath, _ := filepath.Rel(w.dir, path)
		event := ArtifactEvent{
			Path:    filepath.ToSlash(relPath),
			AbsPath: path,
		}

		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			event.Operation = WatchOpDelete

			w.hashMu.Lock()
			delete(w.hashes, event.Path)
			w.hashMu.Unlock()

			w.sendEvent(event)
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			event.Operation = WatchOpDelete
			w.sendEvent(event)
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			w.logger.Warn("Failed to read artifact for hash check",
				"path", event.Path,
				"error", err)
			continue
		}

		newHash := contentHash(content)

		oldHash, hadHash := w.getHash(event.Path)
		if hadHash && oldHash == newHash {
			continue
		}
		w.setHash(event.Path, newHash)

		if op.Has(fsnotify.Create) || !hadHash {
			event.Operation = WatchOpCreate
		} else {
			event.Operation = WatchOpModify
		}

		w.sendEvent(event)
	}
}

// sendEvent sends an event to the output channel without blocking the
// watch loop.
func (w *ArtifactWatcher) sendEvent(event ArtifactEvent) {
	select {
	case w.events <- event:
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping artifact event",
			"path", event.Path,
			"total_dropped", dropped)
	}
}

func (w *ArtifactWatcher) setHash(path, hash string) {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	w.hashes[path] = hash
}

func (w *ArtifactWatcher) getHash(path string) (string, bool) {
	w.hashMu.RLock()
	defer w.hashMu.RUnlock()
	hash, ok := w.hashes[path]
	return hash, ok
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
