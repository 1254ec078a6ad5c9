package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"cortex/internal/logging"
)

// FlushError records one failed file write during materialization.
type FlushError struct {
	Path VirtualPath
	Err  error
}

func (e FlushError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// FlushReport summarizes a materialization pass. Errors never abort the
// pass; the caller reconciles via sync.
type FlushReport struct {
	FilesWritten int
	BytesWritten int64
	Errors       []FlushError
}

// MaterializeOptions selects the flush scope.
type MaterializeOptions struct {
	// Paths restricts the flush to the given files/subtrees; empty flushes
	// the whole workspace.
	Paths []VirtualPath
	// Parallelism bounds concurrent file writes; defaults to 4.
	Parallelism int
}

// Materialize writes every node with status Created or Modified under the
// flush scope to diskRoot, creating directories as needed, and transitions
// written nodes to Synced. Individual failures are collected into the
// report; already-written files are not rolled back.
func (v *VFS) Materialize(ws string, diskRoot string, opts MaterializeOptions) (*FlushReport, error) {
	timer := logging.StartTimer(logging.CategoryVFS, "Materialize")
	defer timer.Stop()

	report := &FlushReport{}

	scopes := opts.Paths
	if len(scopes) == 0 {
		scopes = []VirtualPath{Root}
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	// Collect the dirty set first, then fan the writes out.
	seen := make(map[string]bool)
	var dirty []*Node
	for _, scope := range scopes {
		err := v.WalkFiles(ws, scope, func(node *Node) error {
			if seen[node.Path.String()] {
				return nil
			}
			seen[node.Path.String()] = true
			if node.Status == StatusCreated || node.Status == StatusModified {
				dirty = append(dirty, node)
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(opts.Parallelism)
	for _, node := range dirty {
		node := node
		g.Go(func() error {
			// Per-file failures go into the report, never abort the pass.
			if err := v.writeOut(ws, node, diskRoot); err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, FlushError{Path: node.Path, Err: err})
				mu.Unlock()
				logging.VFSWarn("materialize %s failed: %v", node.Path, err)
				return nil
			}
			mu.Lock()
			report.FilesWritten++
			report.BytesWritten += node.Size
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logging.VFS("materialized workspace %s to %s: %d files, %d bytes, %d errors",
		ws, diskRoot, report.FilesWritten, report.BytesWritten, len(report.Errors))
	return report, nil
}

func (v *VFS) writeOut(ws string, node *Node, diskRoot string) error {
	content, err := v.blobs.Get(node.ContentHash)
	if err != nil {
		return err
	}
	target := filepath.Join(diskRoot, filepath.FromSlash(node.Path.String()))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if node.Mode != 0 && runtime.GOOS != "windows" {
		mode = os.FileMode(node.Mode)
	}
	if err := os.WriteFile(target, content, mode); err != nil {
		return err
	}
	return v.SetStatus(ws, node.Path, StatusSynced)
}
