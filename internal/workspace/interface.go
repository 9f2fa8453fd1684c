package workspace

import (
	"context"
	"time"
)

// Workspace is the exclusive directory of one compilation job.
//
// The directory is created empty. Uploads land in it by path convention
// (<root>/<job id>/...) and the build writes its log and outputs into it.
type Workspace struct {
	JobID string
	Dir   string
}

// Entry describes one immediate child of the workspace root. Children are
// normally job workspaces, but stray plain files are listed too.
type Entry struct {
	Name    string
	Path    string
	ModTime time.Time
	// Size is the apparent size in bytes: the sum of regular file sizes for a
	// directory, the file size otherwise.
	Size  int64
	IsDir bool
}

// Manager governs the workspace root shared by all jobs.
type Manager interface {
	// Root returns the absolute workspace root.
	Root() string

	// Create initializes a new, empty workspace for jobID. Residue left at the
	// same path is destroyed first.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// List returns the immediate children of the root.
	List(ctx context.Context) ([]Entry, error)

	// Usage returns the total apparent size of the root in bytes.
	Usage(ctx context.Context) (int64, error)

	// Remove deletes the child called name, directory or plain file.
	Remove(ctx context.Context, name string) error
}
