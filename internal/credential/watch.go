package credential

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounceInterval = 300 * time.Millisecond

// Watcher reloads credential pools when files under the credential directories
// change. Events are debounced so a multi-file copy triggers one reload.
type Watcher struct {
	dirs     []string
	reload   func(ctx context.Context)
	reloadCh chan struct{}
}

// NewWatcher builds a watcher over the given directories. reload is invoked
// from a dedicated goroutine after the debounce window closes.
func NewWatcher(dirs []string, reload func(ctx context.Context)) *Watcher {
	return &Watcher{
		dirs:     dirs,
		reload:   reload,
		reloadCh: make(chan struct{}, 1),
	}
}

// Start begins watching. It returns an error only when the watcher itself
// cannot be created; unwatchable directories are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			log.WithError(err).Warnf("Cannot watch %s", dir)
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		log.Warn("No credential directories could be watched; hot reload disabled")
		return nil
	}

	go w.watchLoop(ctx, watcher)
	go w.debounceLoop(ctx)
	log.WithField("dirs", w.dirs).Info("Watching credential directories for changes")
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if shouldReloadForEvent(evt.Name) {
				select {
				case w.reloadCh <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Credential watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.reloadCh:
			if timer == nil {
				timer = time.NewTimer(watchDebounceInterval)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounceInterval)
			}
		case <-timerCh:
			w.reload(ctx)
			timerCh = nil
			timer = nil
		}
	}
}

func shouldReloadForEvent(name string) bool {
	if name == "" {
		return true
	}
	return filepath.Ext(name) == ".json"
}
