package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
)

func TestObserver_Metrics(t *testing.T) {
	obs := New()

	obs.RecordRun("r1", domain.RunCompleted, 5*time.Minute)
	obs.RecordRun("r2", domain.RunCompleted, 10*time.Minute)
	obs.RecordRun("r3", domain.RunFailed, 3*time.Minute)

	metrics := obs.GetMetrics()

	if metrics.TotalCompleted != 2 {
		t.Errorf("TotalCompleted = %d, want 2", metrics.TotalCompleted)
	}
	if metrics.TotalFailed != 1 {
		t.Errorf("TotalFailed = %d, want 1", metrics.TotalFailed)
	}
	if metrics.AvgDuration != 6*time.Minute {
		t.Errorf("AvgDuration = %v, want 6m", metrics.AvgDuration)
	}
}

func TestObserver_RecentRuns(t *testing.T) {
	obs := New()
	obs.RecordRun("r1", domain.RunCompleted, time.Minute)

	recent := obs.RecentRuns(time.Hour)
	if len(recent) != 1 || recent[0] != "r1" {
		t.Errorf("RecentRuns = %v, want [r1]", recent)
	}
}

func TestPlanWatcher_DetectsNewPlans(t *testing.T) {
	plansDir := t.TempDir()

	var mu sync.Mutex
	var got []string
	var once sync.Once
	done := make(chan struct{})

	pw, err := NewPlanWatcher(plansDir, func(files []string) {
		mu.Lock()
		got = append(got, files...)
		mu.Unlock()
		once.Do(func() { close(done) })
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Stop()
	pw.SetDebounce(50 * time.Millisecond)
	pw.Start(context.Background())

	planPath := filepath.Join(plansDir, "release.yaml")
	if err := os.WriteFile(planPath, []byte("name: release\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Non-plan files are ignored.
	os.WriteFile(filepath.Join(plansDir, "notes.txt"), []byte("x"), 0644)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != planPath {
		t.Errorf("changed files = %v, want [%s]", got, planPath)
	}
}
