package vfs

import (
	"database/sql"

	"github.com/google/uuid"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// Fork creates a named overlay workspace snapshotting the parent. File
// nodes share their blobs via ref-count; subsequent changes in either
// workspace are independent.
func (v *VFS) Fork(parentWS, name string) (string, error) {
	timer := logging.StartTimer(logging.CategoryVFS, "Fork")
	defer timer.Stop()

	v.mu.Lock()
	defer v.mu.Unlock()

	var exists int
	if err := v.db.QueryRow("SELECT COUNT(*) FROM workspaces WHERE id = ?", parentWS).Scan(&exists); err != nil {
		return "", err
	}
	if exists == 0 {
		return "", cortexerr.NotFound("workspace %s", parentWS)
	}

	forkID := uuid.NewString()
	if _, err := v.db.Exec("INSERT INTO workspaces (id, name, parent_id) VALUES (?, ?, ?)",
		forkID, name, parentWS); err != nil {
		return "", err
	}

	// Snapshot every live node; blobs are shared, not copied.
	var items []indexItem
	v.treeFor(parentWS).Ascend(func(item indexItem) bool {
		items = append(items, item)
		return true
	})
	for _, item := range items {
		node, err := v.getNodeLocked(parentWS, item.path)
		if err != nil {
			continue
		}
		if node.IsFile() && node.ContentHash != "" {
			if err := v.blobs.Retain(node.ContentHash); err != nil {
				return "", err
			}
		}
		clone := *node
		clone.ID = uuid.NewString()
		clone.WorkspaceID = forkID
		clone.Metadata = map[string]string{}
		if err := v.insertNodeLocked(&clone); err != nil {
			return "", err
		}
	}
	logging.VFS("forked workspace %s -> %s (%q, %d nodes)", parentWS, forkID, name, len(items))
	return forkID, nil
}

// ForkParent returns the parent workspace of a fork, or NotFound.
func (v *VFS) ForkParent(forkWS string) (string, error) {
	var parent sql.NullString
	err := v.db.QueryRow("SELECT parent_id FROM workspaces WHERE id = ?", forkWS).Scan(&parent)
	if err == sql.ErrNoRows || (err == nil && !parent.Valid) {
		return "", cortexerr.NotFound("fork %s has no parent", forkWS)
	}
	if err != nil {
		return "", err
	}
	return parent.String, nil
}

// ForkChange is one per-file difference between a fork and its parent.
type ForkChange struct {
	Path       VirtualPath
	ForkHash   string // empty when deleted in the fork
	ParentHash string // empty when created in the fork
}

// ForkDiff lists files whose content differs between the fork and the
// parent's current state.
func (v *VFS) ForkDiff(forkWS string) ([]ForkChange, error) {
	parent, err := v.ForkParent(forkWS)
	if err != nil {
		return nil, err
	}

	forkFiles := make(map[string]string)
	if err := v.WalkFiles(forkWS, Root, func(n *Node) error {
		forkFiles[n.Path.String()] = n.ContentHash
		return nil
	}); err != nil {
		return nil, err
	}
	parentFiles := make(map[string]string)
	if err := v.WalkFiles(parent, Root, func(n *Node) error {
		parentFiles[n.Path.String()] = n.ContentHash
		return nil
	}); err != nil {
		return nil, err
	}

	var changes []ForkChange
	for path, fh := range forkFiles {
		ph := parentFiles[path]
		if fh != ph {
			vp := MustPath(path)
			changes = append(changes, ForkChange{Path: vp, ForkHash: fh, ParentHash: ph})
		}
	}
	for path, ph := range parentFiles {
		if _, ok := forkFiles[path]; !ok {
			changes = append(changes, ForkChange{Path: MustPath(path), ParentHash: ph})
		}
	}
	return changes, nil
}

// MergeOptions tunes fork merge behavior.
type MergeOptions struct {
	// PreferFork resolves both-sides-modified files in the fork's favor
	// instead of surfacing a Conflict.
	PreferFork bool
}

// MergeReport summarizes a fork merge.
type MergeReport struct {
	Applied   int
	Conflicts int
	Deleted   int
}

// MergeFork folds fork changes back into the parent, per file. When a path
// differs and the parent node is itself unsynced (Created or Modified) the
// merge surfaces a Conflict on the parent node (its own hash plus the fork's
// under fork_content_hash) unless PreferFork. The fork point is not
// tracked, so a parent file left unsynced since before the fork also
// conflicts.
// Merge never resolves text content; it moves whole-file versions.
func (v *VFS) MergeFork(forkWS string, opts MergeOptions) (*MergeReport, error) {
	timer := logging.StartTimer(logging.CategoryVFS, "MergeFork")
	defer timer.Stop()

	parent, err := v.ForkParent(forkWS)
	if err != nil {
		return nil, err
	}
	changes, err := v.ForkDiff(forkWS)
	if err != nil {
		return nil, err
	}

	report := &MergeReport{}
	for _, ch := range changes {
		if ch.ForkHash == "" {
			// Deleted (or never existed) in the fork: delete in parent.
			if err := v.DeleteNode(parent, ch.Path, false); err == nil {
				report.Deleted++
			}
			continue
		}

		content, err := v.blobs.Get(ch.ForkHash)
		if err != nil {
			return report, err
		}

		parentNode, perr := v.GetNode(parent, ch.Path)
		switch {
		case cortexerr.IsTag(perr, cortexerr.TagNotFound):
			if _, err := v.CreateFile(parent, ch.Path, content); err != nil {
				return report, err
			}
			report.Applied++
		case perr != nil:
			return report, perr
		default:
			bothModified := parentNode.Status == StatusModified || parentNode.Status == StatusCreated
			if bothModified && !opts.PreferFork {
				v.mu.Lock()
				parentNode.Status = StatusConflict
				if parentNode.Metadata == nil {
					parentNode.Metadata = map[string]string{}
				}
				parentNode.Metadata["fork_content_hash"] = ch.ForkHash
				err := v.updateNodeLocked(parentNode)
				v.mu.Unlock()
				if err != nil {
					return report, err
				}
				report.Conflicts++
				continue
			}
			if err := v.UpdateFile(parent, ch.Path, content); err != nil {
				return report, err
			}
			report.Applied++
		}
	}
	logging.VFS("merged fork %s into %s: applied=%d conflicts=%d deleted=%d",
		forkWS, parent, report.Applied, report.Conflicts, report.Deleted)
	return report, nil
}
