package fsgateway

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/gravitational/trace"
)

// ChangeType is one of the three file-change event kinds (spec §3).
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeChanged ChangeType = "changed"
)

// FileChange is one coalesced file-change event.
type FileChange struct {
	Type         ChangeType `json:"type"`
	AbsolutePath string     `json:"absolutePath"`
}

const debounceWindow = 100 * time.Millisecond

// Watcher recursively watches the working directory and the
// de-duplicated additional directories, debouncing bursts of events into
// single batches (spec §3, §8 invariant 5).
type Watcher struct {
	fsw   *fsnotify.Watcher
	clock clockwork.Clock

	mu       sync.Mutex
	pending  map[string]ChangeType
	timer    clockwork.Timer
	listener func([]FileChange)

	done chan struct{}
}

// NewWatcher starts watching every root (and its subdirectories)
// recursively.
func NewWatcher(roots []string, clock clockwork.Clock) (*Watcher, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	w := &Watcher{
		fsw:     fsw,
		clock:   clock,
		pending: make(map[string]ChangeType),
		done:    make(chan struct{}),
	}

	for _, root := range roots {
		if root == "" {
			continue
		}
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, trace.Wrap(err)
		}
	}

	go w.run()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = w.fsw.Add(p)
		}
		return nil
	})
}

// SetListener installs the single batch listener (spec §3: "a single
// batch delivered to a single listener set").
func (w *Watcher) SetListener(fn func([]FileChange)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listener = fn
}

func (w *Watcher) run() {
	for {
		select {
		case ev, open := <-w.fsw.Events:
			if !open {
				return
			}
			w.record(ev)
		case <-w.fsw.Errors:
			// Watcher-internal errors are non-fatal; keep watching.
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case ev.Op&fsnotify.Create != 0:
		w.pending[ev.Name] = ChangeAdded
		_ = w.fsw.Add(ev.Name) // newly created directories also need watching
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		w.pending[ev.Name] = ChangeRemoved
	case ev.Op&fsnotify.Write != 0:
		if w.pending[ev.Name] != ChangeAdded {
			w.pending[ev.Name] = ChangeChanged
		}
	default:
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(debounceWindow, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]FileChange, 0, len(w.pending))
	for path, typ := range w.pending {
		batch = append(batch, FileChange{Type: typ, AbsolutePath: path})
	}
	w.pending = make(map[string]ChangeType)
	listener := w.listener
	w.mu.Unlock()

	if listener != nil {
		listener(batch)
	}
}

// Close stops watching and releases the underlying OS resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
