package watch

import (
	"context"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "batchmd/pkg/logx"
)

// Submit hands a settled file path to the batch layer.
type Submit func(path string)

// Watcher monitors directory roots and submits files once they settle.
//
// Settling: every write to a path re-arms a timer; the file is submitted only
// after staying quiet for the settle window, so half-written files are not
// picked up. New subdirectories are watched as they appear.
type Watcher struct {
	log    logx.Logger
	roots  []string
	settle time.Duration
	submit Submit

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(log logx.Logger, roots []string, settle time.Duration, submit Submit) *Watcher {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{
		log:    log.With(logx.String("component", "watch")),
		roots:  roots,
		settle: settle,
		submit: submit,
		timers: make(map[string]*time.Timer),
	}
}

// Run watches the roots until ctx is done. When fsnotify gets into a bad
// state the watcher is recreated with a jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("watcher init failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}

		if err := w.addRoots(fw); err != nil {
			_ = fw.Close()
			w.log.Warn("watch add failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}

		backoff = backoffBase
		w.log.Info("watching roots", logx.Int("roots", len(w.roots)))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				w.cancelTimers()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				w.handleEvent(fw, ev)
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					w.log.Warn("watch error", logx.Err(err))
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			w.cancelTimers()
			return nil
		}
		w.log.Warn("watcher stopped; restarting")
		if !sleep() {
			return nil
		}
	}
}

// addRoots registers every root and its existing subdirectories.
func (w *Watcher) addRoots(fw *fsnotify.Watcher) error {
	for _, root := range w.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fw.Add(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := fw.Add(ev.Name); err != nil {
				w.log.Warn("failed watching new directory",
					logx.String("dir", ev.Name), logx.Err(err))
			}
			return
		}
		w.arm(ev.Name)
	case ev.Op&fsnotify.Write != 0:
		w.arm(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.disarm(ev.Name)
	}
}

// arm (re)starts the settle timer for a path.
func (w *Watcher) arm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if _, err := os.Stat(path); err != nil {
			return
		}
		w.log.Debug("file settled", logx.String("path", path))
		w.submit(path)
	})
}

func (w *Watcher) disarm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}
