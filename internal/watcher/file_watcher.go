package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Reloader 可重新加载配置的组件（assessment.CredentialManager 满足）
type Reloader interface {
	Reload() error
}

// FileWatcher 监控单个文件的修改
// 编辑器常以“写临时文件再重命名”的方式保存，所以监控的是所在目录，按文件名过滤
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	handler  FileHandler
	logger   *logrus.Logger
	debounce time.Duration // 防抖时间

	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(path string, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("watched file is not accessible: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		path:     abs,
		handler:  handler,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopChan: make(chan struct{}),
	}

	logger.WithField("file", abs).Info("File watcher created")
	return fw, nil
}

// NewReloadWatcher 文件变化时调用 r.Reload
func NewReloadWatcher(path string, r Reloader, logger *logrus.Logger) (*FileWatcher, error) {
	return NewFileWatcher(path, func(context.Context, string) error {
		return r.Reload()
	}, logger)
}

// SetDebounce 修改防抖时间
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	fw.debounce = d
}

// Start 启动文件监控
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.eventLoop(ctx)
	fw.logger.WithField("file", fw.path).Info("File watcher started successfully")
	return nil
}

// eventLoop 事件循环
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			fw.logger.Info("File watcher stopped")
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建、写入和重命名到目标文件的事件
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")
			fw.schedule(ctx)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖: 短时间内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		fw.handleFile(ctx)
	})
}

// handleFile 处理文件
func (fw *FileWatcher) handleFile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(fw.path)
	if err != nil || info.Size() == 0 {
		fw.logger.WithField("file", fw.path).Debug("File not ready, skipping")
		return
	}

	fw.logger.WithField("file", fw.path).Info("Processing file")
	if err := fw.handler(ctx, fw.path); err != nil {
		fw.logger.WithError(err).WithField("file", fw.path).Error("Failed to process file")
		return
	}
	fw.logger.WithField("file", fw.path).Info("File processed successfully")
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
		err = fw.watcher.Close()
	})
	return err
}

// Path 被监控的文件
func (fw *FileWatcher) Path() string {
	return fw.path
}
