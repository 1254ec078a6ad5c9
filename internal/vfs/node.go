package vfs

import (
	"encoding/json"
	"time"
)

// SyncStatus tracks a node's relationship to its materialized form.
type SyncStatus string

const (
	StatusCreated  SyncStatus = "created"
	StatusModified SyncStatus = "modified"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusDeleted  SyncStatus = "deleted"
	StatusReplaced SyncStatus = "replaced"
)

// NodeKind distinguishes files from directories.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// MetaFSContentHash is the metadata key stashing the disk-side hash when a
// sync conflict is detected.
const MetaFSContentHash = "fs_content_hash"

// Node is a row in the virtual tree. Files carry a content hash; directories
// carry children implicitly through their descendants' paths.
type Node struct {
	ID          string
	WorkspaceID string
	Path        VirtualPath
	Kind        NodeKind
	ContentHash string
	Size        int64
	Mode        uint32 // POSIX permission bits, zero when unknown
	Status      SyncStatus
	Metadata    map[string]string
	UpdatedAt   time.Time
}

// IsFile reports whether the node is a regular file.
func (n *Node) IsFile() bool { return n.Kind == KindFile }

// FileInfo is the stat result for a virtual path.
type FileInfo struct {
	Path        VirtualPath
	Kind        NodeKind
	Size        int64
	ContentHash string
	Mode        uint32
	Status      SyncStatus
	Metadata    map[string]string
	ModTime     time.Time
}

// DirEntry is one row of a directory listing, ordered by component name.
type DirEntry struct {
	Name string
	Kind NodeKind
	Size int64
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMetadata(s string) map[string]string {
	m := make(map[string]string)
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}
