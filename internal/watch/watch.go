// Package watch turns new image and star-list files in watched
// directories into solve jobs.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"platesolver/internal/errors"
	"platesolver/internal/fsutil"
	"platesolver/internal/pipeline"
)

// Submitter accepts jobs; *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Dirs []string
	// Params are attached to every submitted job. Star lists are only
	// picked up when Params carries a frame size.
	Params pipeline.Params
	// Settle is how long a file must stay quiet before it is submitted.
	Settle time.Duration
	// Rate and Burst bound submissions per directory; Rate <= 0 is unlimited.
	Rate  float64
	Burst int
}

// Event records one submitted file.
type Event struct {
	Path  string    `json:"path"`
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
}

// Watcher monitors directories and submits solve jobs.
type Watcher struct {
	watcher  *fsnotify.Watcher
	opts     Options
	submit   Submitter
	log      *slog.Logger
	limiters map[string]*rate.Limiter
	ready    chan string
	// Events receives every submission; it is never closed and drops
	// events nobody reads.
	Events chan Event

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a watcher over opts.Dirs.
func New(opts Options, submit Submitter, log *slog.Logger) (*Watcher, error) {
	if len(opts.Dirs) == 0 {
		return nil, errors.Inputf("no directories to watch")
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	w := &Watcher{
		watcher:  fw,
		opts:     opts,
		submit:   submit,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		ready:    make(chan string, 100),
		Events:   make(chan Event, 100),
		pending:  make(map[string]*time.Timer),
	}
	for _, dir := range opts.Dirs {
		dir = filepath.Clean(dir)
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "watch %s", dir)
		}
		limit := rate.Inf
		if opts.Rate > 0 {
			limit = rate.Limit(opts.Rate)
		}
		w.limiters[dir] = rate.NewLimiter(limit, opts.Burst)
		log.Info("watching directory", "dir", dir)
	}
	return w, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.dispatch(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.wants(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[event.Name]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	path := event.Name
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		default:
			w.log.Warn("watch backlog full, dropping file", "path", path)
		}
	})
}

func (w *Watcher) wants(path string) bool {
	switch fsutil.Classify(path) {
	case fsutil.KindImage:
		return true
	case fsutil.KindStarList:
		return w.opts.Params.Width > 0 && w.opts.Params.Height > 0
	default:
		return false
	}
}

// dispatch submits settled files, waiting on the directory's limiter.
func (w *Watcher) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.ready:
			if lim := w.limiters[filepath.Dir(path)]; lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return
				}
			}
			job := pipeline.Job{
				ID:        uuid.NewString(),
				Type:      pipeline.JobSolve,
				InputPath: path,
				Params:    w.opts.Params,
			}
			if err := w.submit.Submit(job); err != nil {
				w.log.Warn("submit watched file", "path", path, "error", err)
				continue
			}
			w.log.Info("submitted watched file", "path", path, "job", job.ID)
			select {
			case w.Events <- Event{Path: path, JobID: job.ID, Time: time.Now()}:
			default:
			}
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
