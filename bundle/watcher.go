package bundle

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/policyrun/opawasm/errors"
)

// defaultDebounce coalesces the event bursts a bundle rewrite produces.
const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a bundle file whenever it changes on disk. The parent
// directory is watched rather than the file itself, so atomic
// rename-into-place updates are seen too.
type Watcher struct {
	path     string
	log      *zap.Logger
	debounce time.Duration
	onReload func(*Bundle)

	fw        *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching the bundle at path. onReload receives every
// successfully parsed new revision; parse failures are logged and the
// previous revision stays in effect.
func Watch(path string, log *zap.Logger, onReload func(*Bundle)) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.IO(errors.PhaseBundle, err, "create filesystem watcher")
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, errors.IO(errors.PhaseBundle, err, "watch bundle directory")
	}

	w := &Watcher{
		path:     path,
		log:      log,
		debounce: defaultDebounce,
		onReload: onReload,
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("bundle watch error", zap.Error(err))

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	b, err := FromFile(w.path)
	if err != nil {
		w.log.Error("bundle reload failed",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.log.Info("bundle reloaded",
		zap.String("path", w.path),
		zap.String("revision", b.Manifest.Revision))
	w.onReload(b)
}

// Close stops watching. Pending reloads are dropped. Calling Close more
// than once is safe.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}
