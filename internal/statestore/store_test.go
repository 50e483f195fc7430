package statestore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRun(id string) *domain.WorkflowRun {
	run := domain.NewRun(id, time.Now().UTC())
	run.Tasks["build"] = domain.NewTask("build")
	run.Tasks["test"] = domain.NewTask("test", "build")
	run.Metadata["plan"] = "release"
	return run
}

func TestCreateAndLoad(t *testing.T) {
	store := newTestStore(t)

	run := newTestRun("run1")
	run.Workspace = &domain.WorkspaceRef{
		Name:      "run1-release",
		Path:      "/tmp/ws/run1-release",
		BaseRef:   "main",
		CreatedAt: time.Now().UTC(),
	}
	if _, err := store.Create(run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Load("run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Status != domain.RunCreated {
		t.Errorf("status = %s, want %s", got.Status, domain.RunCreated)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("loaded %d tasks, want 2", len(got.Tasks))
	}
	if deps := got.Tasks["test"].DependsOn; len(deps) != 1 || deps[0] != "build" {
		t.Errorf("test task depends_on = %v, want [build]", deps)
	}
	if got.Metadata["plan"] != "release" {
		t.Errorf("metadata plan = %q, want release", got.Metadata["plan"])
	}
	if got.Workspace == nil || got.Workspace.Name != "run1-release" {
		t.Errorf("workspace = %+v, want name run1-release", got.Workspace)
	}
}

func TestCreateIdempotent(t *testing.T) {
	store := newTestStore(t)

	run := newTestRun("run1")
	if _, err := store.Create(run); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := store.Update("run1", func(r *domain.WorkflowRun) error {
		r.Status = domain.RunRunning
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	again, err := store.Create(newTestRun("run1"))
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if again.Status != domain.RunRunning {
		t.Errorf("second Create clobbered stored run: status = %s", again.Status)
	}
}

func TestLoadNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("missing")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Load(missing) error = %v, want NotFoundError", err)
	}
}

func TestUpdateMonotonicTimestamp(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(newTestRun("run1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	prev, err := store.Load("run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	last := prev.UpdatedAt
	for i := 0; i < 10; i++ {
		got, err := store.Update("run1", func(r *domain.WorkflowRun) error { return nil })
		if err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
		if !got.UpdatedAt.After(last) {
			t.Fatalf("update %d: updated_at %v not after %v", i, got.UpdatedAt, last)
		}
		last = got.UpdatedAt
	}
}

func TestUpdatePersistsTaskState(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(newTestRun("run1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := store.Update("run1", func(r *domain.WorkflowRun) error {
		task := r.Tasks["build"]
		if err := task.Transition(domain.TaskRunning); err != nil {
			return err
		}
		if err := task.Transition(domain.TaskFailed); err != nil {
			return err
		}
		task.LastError = "exit status 2"
		return task.Retry()
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Load("run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	task := got.Tasks["build"]
	if task.Status != domain.TaskRunning {
		t.Errorf("status = %s, want %s", task.Status, domain.TaskRunning)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}
	if task.LastError != "exit status 2" {
		t.Errorf("last_error = %q", task.LastError)
	}
}

func TestUpdateMutateErrorRollsBack(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(newTestRun("run1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wantErr := errors.New("boom")
	_, err := store.Update("run1", func(r *domain.WorkflowRun) error {
		r.Status = domain.RunFailed
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update error = %v, want %v", err, wantErr)
	}

	got, err := store.Load("run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Status != domain.RunCreated {
		t.Errorf("status = %s after failed mutate, want %s", got.Status, domain.RunCreated)
	}
}

func TestCheckpointsAppendOnlyAndOrdered(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(newTestRun("run1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const k = 7
	for i := 0; i < k; i++ {
		cp := domain.Checkpoint{
			Timestamp: time.Now().UTC(),
			Step:      fmt.Sprintf("step-%d", i),
			Artifacts: []string{fmt.Sprintf("out-%d.log", i)},
		}
		if err := store.AppendCheckpoint("run1", cp); err != nil {
			t.Fatalf("AppendCheckpoint %d failed: %v", i, err)
		}
	}

	got, err := store.Load("run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Checkpoints) != k {
		t.Fatalf("loaded %d checkpoints, want %d", len(got.Checkpoints), k)
	}
	for i, cp := range got.Checkpoints {
		if want := fmt.Sprintf("step-%d", i); cp.Step != want {
			t.Errorf("checkpoint %d step = %q, want %q", i, cp.Step, want)
		}
	}
}

func TestFindBySecondaryKey(t *testing.T) {
	store := newTestStore(t)

	run, err := store.FindBySecondaryKey("issue", "42")
	if err != nil {
		t.Fatalf("FindBySecondaryKey failed: %v", err)
	}
	if run != nil {
		t.Fatalf("found run %s in empty store", run.ID)
	}

	old := newTestRun("old1")
	old.Metadata["issue"] = "42"
	if _, err := store.Create(old); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	recent := newTestRun("new1")
	recent.Metadata["issue"] = "42"
	if _, err := store.Create(recent); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Update("new1", func(r *domain.WorkflowRun) error { return nil }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	run, err = store.FindBySecondaryKey("issue", "42")
	if err != nil {
		t.Fatalf("FindBySecondaryKey failed: %v", err)
	}
	if run == nil || run.ID != "new1" {
		t.Errorf("found %+v, want run new1", run)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"aa1", "aa2", "bb1"} {
		if _, err := store.Create(newTestRun(id)); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if _, err := store.Update("aa2", func(r *domain.WorkflowRun) error {
		r.Status = domain.RunCompleted
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	runs, err := store.List(ListOptions{IDPrefix: "aa"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("List(prefix aa) returned %d runs, want 2", len(runs))
	}

	runs, err = store.List(ListOptions{Status: domain.RunCompleted})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "aa2" {
		t.Errorf("List(completed) = %v, want [aa2]", runIDs(runs))
	}
}

func TestDeleteCascades(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(newTestRun("run1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.AppendCheckpoint("run1", domain.Checkpoint{Timestamp: time.Now(), Step: "start"}); err != nil {
		t.Fatalf("AppendCheckpoint failed: %v", err)
	}

	if err := store.Delete("run1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load("run1"); err == nil {
		t.Error("Load succeeded after Delete")
	}

	var nf *domain.NotFoundError
	if err := store.Delete("run1"); !errors.As(err, &nf) {
		t.Errorf("second Delete error = %v, want NotFoundError", err)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun("run1")
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("t%02d", i)
		run.Tasks[name] = domain.NewTask(name)
	}
	if _, err := store.Create(run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("t%02d", i)
			_, err := store.Update("run1", func(r *domain.WorkflowRun) error {
				return r.Tasks[name].Transition(domain.TaskRunning)
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Update failed: %v", err)
		}
	}

	got, err := store.Load("run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("t%02d", i)
		if got.Tasks[name].Status != domain.TaskRunning {
			t.Errorf("task %s status = %s, want %s", name, got.Tasks[name].Status, domain.TaskRunning)
		}
	}
}

func TestLastUpdate(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.LastUpdate("orphan")
	if err != nil {
		t.Fatalf("LastUpdate failed: %v", err)
	}
	if ok {
		t.Error("LastUpdate found a run for an unknown workspace")
	}

	run := newTestRun("run1")
	run.Workspace = &domain.WorkspaceRef{Name: "run1-release", Path: "/tmp/ws", BaseRef: "main", CreatedAt: time.Now().UTC()}
	if _, err := store.Create(run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ts, ok, err := store.LastUpdate("run1-release")
	if err != nil {
		t.Fatalf("LastUpdate failed: %v", err)
	}
	if !ok || ts.IsZero() {
		t.Errorf("LastUpdate = (%v, %v), want a timestamp", ts, ok)
	}
}

func runIDs(runs []*domain.WorkflowRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
