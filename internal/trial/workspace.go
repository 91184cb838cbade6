package trial

import (
	"fmt"
	"os"
)

// Workspace is the per-batch temporary directory holding trial artifacts.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh directory under parent (os.TempDir when empty).
func NewWorkspace(parent, batchID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(parent, "mediashrink-"+batchID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Remove deletes the workspace and everything left in it.
func (w *Workspace) Remove() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
