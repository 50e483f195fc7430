package workspace

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
)

// RunLookup answers whether any run owns a workspace and when that run last
// changed. The state store satisfies this.
type RunLookup interface {
	LastUpdate(workspaceName string) (time.Time, bool, error)
}

// Manager handles isolated per-run working directories backed by git
// worktrees. Each workspace gets its own branch named after the workspace.
type Manager struct {
	repoDir      string
	workspaceDir string
	runs         RunLookup
}

// NewManager creates a Manager rooted at repoDir, placing workspaces under
// workspaceDir. A relative workspaceDir is resolved once against the working
// directory so it matches the absolute paths git prints.
func NewManager(repoDir, workspaceDir string) *Manager {
	if abs, err := filepath.Abs(workspaceDir); err == nil {
		workspaceDir = abs
	}
	return &Manager{
		repoDir:      repoDir,
		workspaceDir: workspaceDir,
	}
}

// SetRunLookup wires the run index used by FindStale. Without it every
// workspace counts as orphaned.
func (m *Manager) SetRunLookup(runs RunLookup) {
	m.runs = runs
}

// Create provisions a workspace plus branch from baseRef. The name is claimed
// atomically: when two callers race on the same name exactly one wins and the
// other gets *domain.ResourceConflictError.
func (m *Manager) Create(name, baseRef string) (*domain.WorkspaceRef, error) {
	if err := os.MkdirAll(m.workspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	path := filepath.Join(m.workspaceDir, name)

	// Mkdir is the atomicity point. git worktree add accepts an existing
	// empty directory, so claiming the path first closes the race window.
	if err := os.Mkdir(path, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &domain.ResourceConflictError{Resource: "workspace", Name: name}
		}
		return nil, fmt.Errorf("claiming workspace path: %w", err)
	}

	if baseRef == "" {
		baseRef = "HEAD"
	}

	cmd := exec.Command("git", "worktree", "add", "-b", name, path, baseRef)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(path)
		if strings.Contains(string(out), "already exists") {
			return nil, &domain.ResourceConflictError{Resource: "branch", Name: name}
		}
		return nil, fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return &domain.WorkspaceRef{
		Name:      name,
		Path:      path,
		BaseRef:   baseRef,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Cleanup removes a workspace and optionally its branch. The bool reports
// whether anything was removed; cleaning up a workspace that no longer
// exists returns (false, nil).
func (m *Manager) Cleanup(name string, deleteBranch bool) (bool, error) {
	path := filepath.Join(m.workspaceDir, name)

	exists, err := m.Exists(name)
	if err != nil {
		return false, err
	}
	if exists {
		cmd := exec.Command("git", "worktree", "remove", "--force", path)
		cmd.Dir = m.repoDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return false, fmt.Errorf("git worktree remove: %s: %w", out, err)
		}
	} else {
		// Directory may linger without a registered worktree (e.g. a
		// crash between Mkdir and worktree add).
		if err := os.RemoveAll(path); err != nil {
			return false, fmt.Errorf("removing workspace dir: %w", err)
		}
	}

	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	cmd.Run()

	if deleteBranch {
		cmd = exec.Command("git", "branch", "-D", name)
		cmd.Dir = m.repoDir
		cmd.Run() // branch might not exist
	}

	return exists, nil
}

// List returns all workspaces under the workspace directory.
func (m *Manager) List() ([]domain.WorkspaceRef, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var refs []domain.WorkspaceRef
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, m.workspaceDir+string(os.PathSeparator)) {
				refs = append(refs, domain.WorkspaceRef{
					Name: filepath.Base(path),
					Path: path,
				})
			}
		}
	}
	return refs, nil
}

// Exists reports whether a workspace with the given name is registered.
func (m *Manager) Exists(name string) (bool, error) {
	refs, err := m.List()
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if ref.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// StaleWorkspace describes a workspace eligible for cleanup.
type StaleWorkspace struct {
	Name       string
	Orphaned   bool      // no run references it
	LastUpdate time.Time // zero when orphaned
}

// FindStale returns workspaces that either no run references (always stale)
// or whose owning run has not changed within maxAge.
func (m *Manager) FindStale(maxAge time.Duration, now time.Time) ([]StaleWorkspace, error) {
	refs, err := m.List()
	if err != nil {
		return nil, err
	}

	var stale []StaleWorkspace
	for _, ref := range refs {
		if m.runs == nil {
			stale = append(stale, StaleWorkspace{Name: ref.Name, Orphaned: true})
			continue
		}
		last, ok, err := m.runs.LastUpdate(ref.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			stale = append(stale, StaleWorkspace{Name: ref.Name, Orphaned: true})
			continue
		}
		if now.Sub(last) > maxAge {
			stale = append(stale, StaleWorkspace{Name: ref.Name, LastUpdate: last})
		}
	}
	return stale, nil
}
