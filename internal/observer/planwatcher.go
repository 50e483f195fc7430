package observer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PlanCallback is called with the plan files that changed, after debouncing.
type PlanCallback func(changedFiles []string)

// PlanWatcher monitors a plans directory for new or edited plan documents.
type PlanWatcher struct {
	watcher  *fsnotify.Watcher
	callback PlanCallback
	debounce time.Duration

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewPlanWatcher creates a watcher over plansDir.
func NewPlanWatcher(plansDir string, callback PlanCallback) (*PlanWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(plansDir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &PlanWatcher{
		watcher:  watcher,
		callback: callback,
		debounce: 500 * time.Millisecond, // editors fire several events per save
		pending:  make(map[string]struct{}),
	}, nil
}

// Start begins watching for file changes
func (pw *PlanWatcher) Start(ctx context.Context) {
	ctx, pw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-pw.watcher.Events:
				if !ok {
					return
				}
				pw.handleEvent(event)
			case _, ok := <-pw.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop stops watching for file changes
func (pw *PlanWatcher) Stop() {
	if pw.cancel != nil {
		pw.cancel()
	}
	pw.watcher.Close()
}

func (pw *PlanWatcher) handleEvent(event fsnotify.Event) {
	if !isPlanFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.pending[event.Name] = struct{}{}

	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.debounce, pw.flush)
}

func (pw *PlanWatcher) flush() {
	pw.mu.Lock()
	pending := pw.pending
	pw.pending = make(map[string]struct{})
	pw.mu.Unlock()

	if pw.callback == nil || len(pending) == 0 {
		return
	}

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	pw.callback(files)
}

// SetDebounce sets the debounce duration for batching file changes
func (pw *PlanWatcher) SetDebounce(d time.Duration) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.debounce = d
}

func isPlanFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
