package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// SyncOptions tunes disk -> VFS reconciliation.
type SyncOptions struct {
	SkipHidden           bool
	FollowSymlinks       bool
	MaxDepth             int // 0 = unlimited
	ExcludePatterns      []string
	AutoResolveConflicts bool // disk wins on conflict
	DeleteMissing        bool // mark Synced VFS files absent on disk as Deleted
}

// DefaultSyncOptions returns production defaults.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		SkipHidden: true,
		ExcludePatterns: []string{
			".git", "node_modules", "target", "dist", "__pycache__",
		},
	}
}

// SyncError records one per-file reconciliation failure.
type SyncError struct {
	Path string
	Err  error
}

// SyncReport summarizes a sync pass.
type SyncReport struct {
	FilesScanned int
	Created      int
	Updated      int
	Conflicts    int
	Resolved     int
	Deleted      int
	Unchanged    int
	Errors       []SyncError
}

// SyncFromFilesystem enumerates the disk tree under diskRoot and
// reconciles it into the workspace below virtualPrefix.
//
// Conflict protocol: a conflict is declared iff the node status is Created
// or Modified (or already Conflict) and the disk hash differs from the
// stored hash. With
// AutoResolveConflicts the disk version wins (status Modified); otherwise
// the node becomes Conflict and the disk hash is stashed under the
// fs_content_hash metadata key.
func (v *VFS) SyncFromFilesystem(ws, diskRoot string, virtualPrefix VirtualPath, opts SyncOptions) (*SyncReport, error) {
	timer := logging.StartTimer(logging.CategorySync, "SyncFromFilesystem")
	defer timer.Stop()

	report := &SyncReport{}
	seen := make(map[string]bool)

	rootInfo, err := os.Stat(diskRoot)
	if err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagNotFound, "disk root %s", diskRoot)
	}
	if !rootInfo.IsDir() {
		return nil, cortexerr.InvalidInput("disk root %s is not a directory", diskRoot)
	}

	walkErr := filepath.WalkDir(diskRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report.Errors = append(report.Errors, SyncError{Path: path, Err: err})
			return nil
		}
		rel, err := filepath.Rel(diskRoot, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if opts.MaxDepth > 0 && strings.Count(rel, "/")+1 > opts.MaxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		base := d.Name()
		if opts.SkipHidden && strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded(base, rel, opts.ExcludePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if !opts.FollowSymlinks {
				return nil
			}
			resolved, err := os.Stat(path)
			if err != nil || resolved.IsDir() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		vpath, err := virtualPrefix.Join(rel)
		if err != nil {
			report.Errors = append(report.Errors, SyncError{Path: rel, Err: err})
			return nil
		}
		seen[vpath.String()] = true
		report.FilesScanned++

		if err := v.syncOne(ws, path, vpath, opts, report); err != nil {
			report.Errors = append(report.Errors, SyncError{Path: rel, Err: err})
		}
		return nil
	})
	if walkErr != nil {
		return report, walkErr
	}

	if opts.DeleteMissing {
		v.markMissingDeleted(ws, virtualPrefix, seen, report)
	}

	logging.Sync("sync %s: scanned=%d created=%d updated=%d conflicts=%d resolved=%d deleted=%d errors=%d",
		ws, report.FilesScanned, report.Created, report.Updated, report.Conflicts,
		report.Resolved, report.Deleted, len(report.Errors))
	return report, nil
}

func (v *VFS) syncOne(ws, diskPath string, vpath VirtualPath, opts SyncOptions, report *SyncReport) error {
	content, err := os.ReadFile(diskPath)
	if err != nil {
		return err
	}
	diskHash := HashBytes(content)

	var mode uint32
	if runtime.GOOS != "windows" {
		if info, err := os.Stat(diskPath); err == nil {
			mode = uint32(info.Mode().Perm())
		}
	}

	v.mu.Lock()
	node, err := v.getNodeLocked(ws, vpath)
	if cortexerr.IsTag(err, cortexerr.TagNotFound) {
		// New on disk: create with status Created.
		_, _, cerr := v.createFileLocked(ws, vpath, content)
		if cerr == nil && mode != 0 {
			if n, gerr := v.getNodeLocked(ws, vpath); gerr == nil {
				n.Mode = mode
				_ = v.updateNodeLocked(n)
			}
		}
		v.mu.Unlock()
		if cerr != nil {
			return cerr
		}
		report.Created++
		v.notify(ws, vpath, diskHash)
		return nil
	}
	if err != nil {
		v.mu.Unlock()
		return err
	}

	if diskHash == node.ContentHash {
		node.Mode = mode
		_ = v.updateNodeLocked(node)
		v.mu.Unlock()
		report.Unchanged++
		return nil
	}

	// An unresolved Conflict stays conflicted (with a refreshed disk hash)
	// until auto-resolve or an explicit VFS write settles it.
	dirty := node.Status == StatusCreated || node.Status == StatusModified || node.Status == StatusConflict
	if dirty && !opts.AutoResolveConflicts {
		node.Status = StatusConflict
		if node.Metadata == nil {
			node.Metadata = map[string]string{}
		}
		node.Metadata[MetaFSContentHash] = diskHash
		err := v.updateNodeLocked(node)
		v.mu.Unlock()
		if err != nil {
			return err
		}
		report.Conflicts++
		logging.Sync("conflict at %s: vfs=%s disk=%s", vpath, node.ContentHash[:12], diskHash[:12])
		return nil
	}

	// Disk wins: either the node was clean (not Created, Modified or
	// Conflict) or auto-resolve is on.
	oldHash := node.ContentHash
	if _, err := v.blobs.Put(content); err != nil {
		v.mu.Unlock()
		return err
	}
	if oldHash != "" {
		_ = v.blobs.Release(oldHash)
	}
	node.ContentHash = diskHash
	node.Size = int64(len(content))
	node.Mode = mode
	node.Status = StatusModified
	delete(node.Metadata, MetaFSContentHash)
	uerr := v.updateNodeLocked(node)
	v.cache.Invalidate(v.cacheKey(ws, oldHash))
	v.cache.Put(v.cacheKey(ws, diskHash), content)
	v.mu.Unlock()
	if uerr != nil {
		return uerr
	}
	if dirty {
		report.Resolved++
	} else {
		report.Updated++
	}
	v.notify(ws, vpath, diskHash)
	return nil
}

func (v *VFS) markMissingDeleted(ws string, prefix VirtualPath, seen map[string]bool, report *SyncReport) {
	var missing []VirtualPath
	_ = v.WalkFiles(ws, prefix, func(node *Node) error {
		if !seen[node.Path.String()] && node.Status == StatusSynced {
			missing = append(missing, node.Path)
		}
		return nil
	})
	for _, p := range missing {
		if err := v.SetStatus(ws, p, StatusDeleted); err == nil {
			v.mu.Lock()
			v.treeFor(ws).Delete(indexItem{path: p})
			v.mu.Unlock()
			report.Deleted++
			v.notify(ws, p, "")
		}
	}
}

func excluded(base, rel string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if pat == base {
			return true
		}
	}
	return false
}
