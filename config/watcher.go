// 流程定义目录变更监听器。
//
// 基于轮询检测目录中文件的新增、修改与删除。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// DirWatcher 轮询目录，按扩展名过滤文件
type DirWatcher struct {
	mu sync.Mutex

	dir      string
	exts     []string
	interval time.Duration
	logger   *zap.Logger

	running   bool
	stopChan  chan struct{}
	callbacks []func(FileEvent)
	modTimes  map[string]time.Time
}

// --- 文件监听器选项 ---

// WatcherOption configures the DirWatcher
type WatcherOption func(*DirWatcher)

// WithPollInterval sets the polling interval
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithExtensions limits the watched files to the given extensions (".yaml", ".json", ...)
func WithExtensions(exts ...string) WatcherOption {
	return func(w *DirWatcher) { w.exts = exts }
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *DirWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewDirWatcher creates a watcher for dir. Files already present when Start
// is called do not produce events.
func NewDirWatcher(dir string, opts ...WatcherOption) (*DirWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	w := &DirWatcher{
		dir:      dir,
		exts:     []string{".json", ".yaml", ".yml"},
		interval: time.Second,
		logger:   zap.NewNop(),
		stopChan: make(chan struct{}),
		modTimes: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "dir_watcher"))
	return w, nil
}

// OnChange registers a callback for file change events
func (w *DirWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 记录当前文件快照并开始轮询
func (w *DirWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.Snapshot(); err != nil {
		return err
	}
	go w.pollLoop(ctx)

	w.logger.Info("directory watcher started",
		zap.String("dir", w.dir),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop stops polling.
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopChan)
	w.running = false
}

// Snapshot 记录当前文件的修改时间，不产生事件
func (w *DirWatcher) Snapshot() error {
	files, err := w.scan()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.modTimes = files
	w.mu.Unlock()
	return nil
}

func (w *DirWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if _, err := w.Poll(); err != nil {
				w.logger.Warn("directory poll failed", zap.Error(err))
			}
		}
	}
}

// Poll 执行一次检测，按路径顺序同步调用回调并返回事件
func (w *DirWatcher) Poll() ([]FileEvent, error) {
	files, err := w.scan()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w.mu.Lock()
	var events []FileEvent
	for path, mod := range files {
		last, existed := w.modTimes[path]
		switch {
		case !existed:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case mod.After(last):
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	for path := range w.modTimes {
		if _, ok := files[path]; !ok {
			events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
		}
	}
	w.modTimes = files
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	for _, evt := range events {
		w.logger.Debug("dispatching file event",
			zap.String("path", evt.Path),
			zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
	return events, nil
}

func (w *DirWatcher) scan() (map[string]time.Time, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", w.dir, err)
	}
	files := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !w.matches(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// 文件在扫描期间被删除
			continue
		}
		files[filepath.Join(w.dir, entry.Name())] = info.ModTime()
	}
	return files, nil
}

func (w *DirWatcher) matches(name string) bool {
	if len(w.exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(w.exts, ext)
}

// Dir returns the watched directory.
func (w *DirWatcher) Dir() string { return w.dir }

// IsRunning returns whether the watcher is running
func (w *DirWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
