package replication

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	"github.com/jseldess/skdb/mux"
)

// DefaultChangeFileDebounce matches §5's "local page-write loop...
// debounced to ensure at most one in-flight... transaction at a time."
const DefaultChangeFileDebounce = 50 * time.Millisecond

// changeWatcher tails a local change file (§6.3, naming `<table>_<accessKey>`)
// with fsnotify. Each burst of writes is coalesced into a single flush
// that delivers the full buffered text since the last flush; a flush that
// arrives while one is already in flight re-runs once the in-flight one
// completes, rather than queuing N flushes, per §5's debounce rule.
type changeWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	offset   int64
	onChange func(string)
	log      mux.LogFunction
	debounce time.Duration

	mu           sync.Mutex
	flushTimer   *time.Timer
	flushing     bool
	pendingFlush bool

	done chan struct{}
}

func newChangeWatcher(path string, debounce time.Duration, onChange func(string)) (*changeWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultChangeFileDebounce
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
		if err != nil {
			return nil, err
		}
		f.Close()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &changeWatcher{
		path:     path,
		watcher:  w,
		onChange: onChange,
		log:      mux.LogFn(glog.Level(2), "replication.watch"),
		debounce: debounce,
		done:     make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *changeWatcher) run() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.scheduleFlush()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log("watch error on %s: %v", cw.path, err)
		}
	}
}

func (cw *changeWatcher) scheduleFlush() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.flushing {
		cw.pendingFlush = true
		return
	}
	if cw.flushTimer != nil {
		cw.flushTimer.Stop()
	}
	cw.flushTimer = time.AfterFunc(cw.debounce, cw.flush)
}

func (cw *changeWatcher) flush() {
	cw.mu.Lock()
	cw.flushing = true
	cw.pendingFlush = false
	cw.mu.Unlock()

	mux.HandleError(func() { cw.readNewBytes() })

	cw.mu.Lock()
	cw.flushing = false
	restart := cw.pendingFlush
	cw.mu.Unlock()
	if restart {
		cw.scheduleFlush()
	}
}

func (cw *changeWatcher) readNewBytes() {
	f, err := os.Open(cw.path)
	if err != nil {
		cw.log("open %s: %v", cw.path, err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(cw.offset, io.SeekStart); err != nil {
		cw.log("seek %s: %v", cw.path, err)
		return
	}
	b, err := io.ReadAll(f)
	if err != nil {
		cw.log("read %s: %v", cw.path, err)
		return
	}
	if len(b) == 0 {
		return
	}
	cw.offset += int64(len(b))
	if cw.onChange != nil {
		cw.onChange(string(b))
	}
}

func (cw *changeWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	cw.mu.Lock()
	if cw.flushTimer != nil {
		cw.flushTimer.Stop()
	}
	cw.mu.Unlock()
	return err
}
