package rules

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceReload coalesces bursts of filesystem events (editors often
// write a file in several steps) into a single reload.
var debounceReload = 250 * time.Millisecond

// Watcher watches a rules directory and invokes a callback, debounced,
// whenever any filesystem event is reported for the directory. Events are
// not filtered by file name or operation.
type Watcher struct {
	directory string
	onChange  func()

	fs       *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a Watcher for directory. Call Start to begin watching.
func NewWatcher(directory string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(directory); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		directory: directory,
		onChange:  onChange,
		fs:        fsw,
		stopChan:  make(chan struct{}),
	}, nil
}

// Start launches the event-handling goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts watching and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fs.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("directory", w.directory).Msg("rules watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("rules directory event")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceReload, w.onChange)
}
