package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/martec-compiler/internal/log"
)

// fsWorkspaceManager manages per-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	logger  *slog.Logger
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
// The root is created if it does not exist.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	abs, err := filepath.Abs(filepath.Clean(trimmed))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory %q: %w", trimmed, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}

	return &fsWorkspaceManager{
		baseDir: abs,
		logger:  log.WithComponent("workspace"),
	}, nil
}

func (m *fsWorkspaceManager) Root() string { return m.baseDir }

// Create initializes a workspace directory for jobID.
func (m *fsWorkspaceManager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.childPath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	// Identifiers are freshly generated, so anything already here is residue
	// from an earlier crash.
	if _, err := os.Lstat(path); err == nil {
		m.logger.Warn("removing stale workspace residue", "session_id", jobID, "path", path)
		if err := os.RemoveAll(path); err != nil {
			return Workspace{}, fmt.Errorf("remove stale workspace for job %q: %w", jobID, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Workspace{}, fmt.Errorf("stat workspace for job %q: %w", jobID, err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for job %q: %w", jobID, err)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

// List returns every immediate child of the root with its modification time
// and apparent size. A missing root lists as empty.
func (m *fsWorkspaceManager) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(m.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace base directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // removed between ReadDir and Info
		}
		if err != nil {
			return nil, fmt.Errorf("read workspace entry info %q: %w", de.Name(), err)
		}

		path := filepath.Join(m.baseDir, de.Name())
		size := info.Size()
		if info.IsDir() {
			size, err = treeSize(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("measure workspace %q: %w", de.Name(), err)
			}
		}

		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    path,
			ModTime: info.ModTime(),
			Size:    size,
			IsDir:   info.IsDir(),
		})
	}
	return entries, nil
}

// Usage returns the total apparent size of the workspace root.
func (m *fsWorkspaceManager) Usage(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size, err := treeSize(ctx, m.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("measure workspace base directory: %w", err)
	}
	return size, nil
}

// Remove deletes a child of the root, recursively for directories.
func (m *fsWorkspaceManager) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := m.childPath(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %q: %w", name, err)
	}
	return nil
}

func (m *fsWorkspaceManager) childPath(name string) (string, error) {
	if err := validateJobID(name); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, name), nil
}

// treeSize sums the sizes of regular files below root. Files that vanish
// mid-walk are skipped; a build or a concurrent sweep may be deleting them.
func treeSize(ctx context.Context, root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && path != root {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != jobID {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	return nil
}
