// Package watch calls back when a single file changes on disk.
package watch

import (
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

// File watches path and calls onChange once per burst of events, after
// debounce has passed without further events. The parent directory is
// watched so editors that replace the file by rename keep triggering.
// onChange runs on the watcher goroutine; Close waits for it to return.
func File(path string, debounce time.Duration, logger Logger, onChange func()) (io.Closer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("watch: empty path")
	}
	if onChange == nil {
		return nil, errors.New("watch: nil callback")
	}
	if debounce <= 0 {
		return nil, errors.Errorf("watch: debounce must be > 0, got %s", debounce)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "watch: resolve %q", path)
	}
	dir, base := filepath.Dir(abs), filepath.Base(abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watch: new watcher")
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watch: add %q", dir)
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	triggerCh := make(chan struct{}, 1)

	go func() {
		defer close(doneCh)
		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		resetTimer := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
			timerC = timer.C
		}

		for {
			select {
			case <-stopCh:
				if timer != nil {
					timer.Stop()
				}
				return
			case <-timerC:
				timerC = nil
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", zap.String("path", abs), zap.Error(err))
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if shouldTrigger(evt, base) {
					select {
					case triggerCh <- struct{}{}:
					default:
					}
				}
			case <-triggerCh:
				resetTimer()
			}
		}
	}()

	logger.Info("watching file", zap.String("path", abs), zap.Duration("debounce", debounce))
	return closerFunc(func() error {
		close(stopCh)
		_ = watcher.Close()
		<-doneCh
		return nil
	}), nil
}

func shouldTrigger(evt fsnotify.Event, base string) bool {
	if strings.TrimSpace(evt.Name) == "" {
		return false
	}
	if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(evt.Name) == base
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
