package vfs

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/storage"
)

const nodeSchema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS vnodes (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	content_hash TEXT,
	size INTEGER NOT NULL DEFAULT 0,
	mode INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(workspace_id, path)
);
CREATE INDEX IF NOT EXISTS idx_vnodes_ws ON vnodes(workspace_id);
CREATE INDEX IF NOT EXISTS idx_vnodes_status ON vnodes(workspace_id, status);
`

// ChangeListener observes content changes (create/update/sync-in) so the
// auto-reparse pipeline can enqueue work. Deletions pass an empty hash.
type ChangeListener func(workspaceID string, path VirtualPath, contentHash string)

// Options tunes a VFS instance.
type Options struct {
	MaxFileSize  int64 // bytes; 0 disables the quota
	CacheEntries int
	CacheBytes   int64
	CacheTTL     time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:  50 << 20,
		CacheEntries: 4096,
		CacheBytes:   256 << 20,
		CacheTTL:     time.Hour,
	}
}

// indexItem is the in-memory path index entry.
type indexItem struct {
	path VirtualPath
	id   string
	kind NodeKind
}

// VFS is the virtual filesystem engine. All operations are safe for
// concurrent use; mutations take the write lock, lookups the read lock.
type VFS struct {
	mu    sync.RWMutex
	db    *sql.DB
	blobs *BlobStore
	cache *ContentCache
	opts  Options

	// index maps workspace id to an ordered path index for listings.
	index map[string]*btree.BTreeG[indexItem]

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// New binds the VFS schema onto the shared document store.
func New(store *storage.DocumentStore, opts Options) (*VFS, error) {
	if err := store.RegisterSchema("vfs_nodes_v1", nodeSchema); err != nil {
		return nil, err
	}
	blobs, err := NewBlobStore(store)
	if err != nil {
		return nil, err
	}
	v := &VFS{
		db:    store.DB(),
		blobs: blobs,
		cache: NewContentCache(opts.CacheEntries, opts.CacheBytes, opts.CacheTTL),
		opts:  opts,
		index: make(map[string]*btree.BTreeG[indexItem]),
	}
	if err := v.loadIndex(); err != nil {
		return nil, err
	}
	return v, nil
}

// Blobs exposes the blob store (for sweeps and stats).
func (v *VFS) Blobs() *BlobStore { return v.blobs }

// CacheStats exposes the content cache statistics.
func (v *VFS) CacheStats() CacheStats { return v.cache.Stats() }

// OnChange registers a content-change listener.
func (v *VFS) OnChange(l ChangeListener) {
	v.listenersMu.Lock()
	v.listeners = append(v.listeners, l)
	v.listenersMu.Unlock()
}

func (v *VFS) notify(ws string, path VirtualPath, hash string) {
	v.listenersMu.RLock()
	listeners := v.listeners
	v.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ws, path, hash)
	}
}

func lessIndexItem(a, b indexItem) bool { return a.path.Less(b.path) }

func (v *VFS) loadIndex() error {
	rows, err := v.db.Query("SELECT workspace_id, path, id, kind FROM vnodes WHERE status != ?", StatusDeleted)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ws, raw, id, kind string
		if err := rows.Scan(&ws, &raw, &id, &kind); err != nil {
			return err
		}
		path, err := NormalizePath(raw)
		if err != nil {
			continue
		}
		v.treeFor(ws).ReplaceOrInsert(indexItem{path: path, id: id, kind: NodeKind(kind)})
	}
	return rows.Err()
}

func (v *VFS) treeFor(ws string) *btree.BTreeG[indexItem] {
	t, ok := v.index[ws]
	if !ok {
		t = btree.NewG(16, lessIndexItem)
		v.index[ws] = t
	}
	return t
}

// =============================================================================
// WORKSPACES
// =============================================================================

// CreateWorkspace mints a workspace with a fresh 128-bit identifier and a
// root directory node.
func (v *VFS) CreateWorkspace(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := uuid.NewString()
	if _, err := v.db.Exec("INSERT INTO workspaces (id, name) VALUES (?, ?)", id, name); err != nil {
		return "", err
	}
	if err := v.insertNodeLocked(&Node{
		ID: uuid.NewString(), WorkspaceID: id, Path: Root, Kind: KindDirectory, Status: StatusSynced,
	}); err != nil {
		return "", err
	}
	logging.VFS("workspace %s created (%s)", name, id)
	return id, nil
}

// DropWorkspace removes a workspace, its nodes and their blob references.
func (v *VFS) DropWorkspace(ws string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rows, err := v.db.Query("SELECT content_hash FROM vnodes WHERE workspace_id = ? AND kind = ? AND status != ?",
		ws, KindFile, StatusDeleted)
	if err != nil {
		return err
	}
	var hashes []string
	for rows.Next() {
		var h sql.NullString
		if err := rows.Scan(&h); err == nil && h.Valid && h.String != "" {
			hashes = append(hashes, h.String)
		}
	}
	rows.Close()

	for _, h := range hashes {
		_ = v.blobs.Release(h)
	}
	if _, err := v.db.Exec("DELETE FROM vnodes WHERE workspace_id = ?", ws); err != nil {
		return err
	}
	if _, err := v.db.Exec("DELETE FROM workspaces WHERE id = ?", ws); err != nil {
		return err
	}
	delete(v.index, ws)
	v.cache.Clear()
	logging.VFS("workspace %s dropped (%d blob refs released)", ws, len(hashes))
	return nil
}

// =============================================================================
// NODE CRUD
// =============================================================================

func (v *VFS) cacheKey(ws, hash string) string { return ws + ":" + hash }

// getNodeLocked loads a live node row. Deleted rows behave as missing.
func (v *VFS) getNodeLocked(ws string, path VirtualPath) (*Node, error) {
	row := v.db.QueryRow(`
		SELECT id, kind, COALESCE(content_hash, ''), size, mode, status, metadata, updated_at
		FROM vnodes WHERE workspace_id = ? AND path = ?`, ws, path.String())
	n := &Node{WorkspaceID: ws, Path: path, Metadata: map[string]string{}}
	var kind, status, meta string
	err := row.Scan(&n.ID, &kind, &n.ContentHash, &n.Size, &n.Mode, &status, &meta, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, cortexerr.NotFound("path %s", path).WithContext("path", path.String())
	}
	if err != nil {
		return nil, err
	}
	n.Kind = NodeKind(kind)
	n.Status = SyncStatus(status)
	n.Metadata = decodeMetadata(meta)
	if n.Status == StatusDeleted {
		return nil, cortexerr.NotFound("path %s", path).WithContext("path", path.String())
	}
	return n, nil
}

func (v *VFS) insertNodeLocked(n *Node) error {
	_, err := v.db.Exec(`
		INSERT INTO vnodes (id, workspace_id, path, kind, content_hash, size, mode, status, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(workspace_id, path) DO UPDATE SET
			id = excluded.id, kind = excluded.kind, content_hash = excluded.content_hash,
			size = excluded.size, mode = excluded.mode, status = excluded.status,
			metadata = excluded.metadata, updated_at = CURRENT_TIMESTAMP`,
		n.ID, n.WorkspaceID, n.Path.String(), string(n.Kind), n.ContentHash, n.Size, n.Mode,
		string(n.Status), encodeMetadata(n.Metadata))
	if err != nil {
		return err
	}
	v.treeFor(n.WorkspaceID).ReplaceOrInsert(indexItem{path: n.Path, id: n.ID, kind: n.Kind})
	return nil
}

func (v *VFS) updateNodeLocked(n *Node) error {
	_, err := v.db.Exec(`
		UPDATE vnodes SET content_hash = ?, size = ?, mode = ?, status = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE workspace_id = ? AND path = ?`,
		n.ContentHash, n.Size, n.Mode, string(n.Status), encodeMetadata(n.Metadata),
		n.WorkspaceID, n.Path.String())
	return err
}

// ensureParentsLocked creates missing ancestor directories with status
// Created. Fails with NotADirectory semantics if an ancestor is a file.
func (v *VFS) ensureParentsLocked(ws string, path VirtualPath) error {
	parent := path.Parent()
	if parent.IsRoot() {
		return nil
	}
	existing, err := v.getNodeLocked(ws, parent)
	if err == nil {
		if existing.Kind != KindDirectory {
			return cortexerr.InvalidInput("%s is not a directory", parent).WithContext("path", parent.String())
		}
		return nil
	}
	if !cortexerr.IsTag(err, cortexerr.TagNotFound) {
		return err
	}
	if err := v.ensureParentsLocked(ws, parent); err != nil {
		return err
	}
	return v.insertNodeLocked(&Node{
		ID: uuid.NewString(), WorkspaceID: ws, Path: parent, Kind: KindDirectory, Status: StatusCreated,
	})
}

// CreateFile hashes content, upserts the blob, and inserts the node with
// status Created. Fails with AlreadyExists on a live node at the path.
func (v *VFS) CreateFile(ws string, path VirtualPath, content []byte) (string, error) {
	timer := logging.StartTimer(logging.CategoryVFS, "CreateFile")
	defer timer.Stop()

	if err := v.checkQuota(content); err != nil {
		return "", err
	}

	v.mu.Lock()
	id, hash, err := v.createFileLocked(ws, path, content)
	v.mu.Unlock()
	if err != nil {
		return "", err
	}

	logging.VFSDebug("created %s (%d bytes, hash %s)", path, len(content), hash[:12])
	v.notify(ws, path, hash)
	return id, nil
}

func (v *VFS) createFileLocked(ws string, path VirtualPath, content []byte) (string, string, error) {
	if _, err := v.getNodeLocked(ws, path); err == nil {
		return "", "", cortexerr.AlreadyExists("path %s", path).WithContext("path", path.String())
	} else if !cortexerr.IsTag(err, cortexerr.TagNotFound) {
		return "", "", err
	}
	if err := v.ensureParentsLocked(ws, path); err != nil {
		return "", "", err
	}

	hash, err := v.blobs.Put(content)
	if err != nil {
		return "", "", err
	}
	node := &Node{
		ID:          uuid.NewString(),
		WorkspaceID: ws,
		Path:        path,
		Kind:        KindFile,
		ContentHash: hash,
		Size:        int64(len(content)),
		Status:      StatusCreated,
		Metadata:    map[string]string{},
	}
	if err := v.insertNodeLocked(node); err != nil {
		_ = v.blobs.Release(hash)
		return "", "", err
	}
	v.cache.Put(v.cacheKey(ws, hash), content)
	return node.ID, hash, nil
}

// ReadFile returns file content, consulting the cache first.
func (v *VFS) ReadFile(ws string, path VirtualPath) ([]byte, error) {
	v.mu.RLock()
	node, err := v.getNodeLocked(ws, path)
	v.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if node.Kind != KindFile {
		return nil, cortexerr.InvalidInput("%s is a directory", path).WithContext("path", path.String())
	}

	key := v.cacheKey(ws, node.ContentHash)
	if data, ok := v.cache.Get(key); ok {
		return data, nil
	}
	data, err := v.blobs.Get(node.ContentHash)
	if err != nil {
		return nil, err
	}
	v.cache.Put(key, data)
	return data, nil
}

// UpdateFile replaces file content. Identical content is a no-op; otherwise
// the old blob reference is released, the new blob retained, and the status
// transitions Created|Synced -> Modified. Listeners are notified.
func (v *VFS) UpdateFile(ws string, path VirtualPath, content []byte) error {
	timer := logging.StartTimer(logging.CategoryVFS, "UpdateFile")
	defer timer.Stop()

	if err := v.checkQuota(content); err != nil {
		return err
	}

	v.mu.Lock()
	node, err := v.getNodeLocked(ws, path)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	if node.Kind != KindFile {
		v.mu.Unlock()
		return cortexerr.InvalidInput("%s is a directory", path).WithContext("path", path.String())
	}

	newHash := HashBytes(content)
	if newHash == node.ContentHash {
		v.mu.Unlock()
		return nil
	}

	oldHash := node.ContentHash
	if _, err := v.blobs.Put(content); err != nil {
		v.mu.Unlock()
		return err
	}
	if oldHash != "" {
		_ = v.blobs.Release(oldHash)
	}

	node.ContentHash = newHash
	node.Size = int64(len(content))
	node.Status = StatusModified
	// An explicit write settles any outstanding sync conflict.
	delete(node.Metadata, MetaFSContentHash)
	if err := v.updateNodeLocked(node); err != nil {
		v.mu.Unlock()
		return err
	}
	v.cache.Invalidate(v.cacheKey(ws, oldHash))
	v.cache.Put(v.cacheKey(ws, newHash), content)
	v.mu.Unlock()

	logging.VFSDebug("updated %s -> %s", path, newHash[:12])
	v.notify(ws, path, newHash)
	return nil
}

// DeleteNode removes a file or (recursively) a directory. Blob references
// of removed files are released; children delete pre-order.
func (v *VFS) DeleteNode(ws string, path VirtualPath, recursive bool) error {
	timer := logging.StartTimer(logging.CategoryVFS, "DeleteNode")
	defer timer.Stop()

	v.mu.Lock()
	node, err := v.getNodeLocked(ws, path)
	if err != nil {
		v.mu.Unlock()
		return err
	}

	var deletedFiles []VirtualPath
	if node.Kind == KindDirectory {
		children := v.childrenLocked(ws, path)
		if len(children) > 0 && !recursive {
			v.mu.Unlock()
			return cortexerr.InvalidInput("directory %s is not empty", path).WithContext("path", path.String())
		}
		// Pre-order: the directory itself first, then descendants.
		descendants := v.descendantsLocked(ws, path)
		if err := v.deleteOneLocked(ws, node, &deletedFiles); err != nil {
			v.mu.Unlock()
			return err
		}
		for _, item := range descendants {
			child, err := v.getNodeLocked(ws, item.path)
			if err != nil {
				continue
			}
			if err := v.deleteOneLocked(ws, child, &deletedFiles); err != nil {
				v.mu.Unlock()
				return err
			}
		}
	} else if err := v.deleteOneLocked(ws, node, &deletedFiles); err != nil {
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	for _, p := range deletedFiles {
		v.notify(ws, p, "")
	}
	return nil
}

func (v *VFS) deleteOneLocked(ws string, node *Node, deletedFiles *[]VirtualPath) error {
	if node.IsFile() && node.ContentHash != "" {
		_ = v.blobs.Release(node.ContentHash)
		v.cache.Invalidate(v.cacheKey(ws, node.ContentHash))
	}
	// The row is removed outright; Deleted as a surviving status only
	// appears through sync's delete-missing marking.
	if _, err := v.db.Exec("DELETE FROM vnodes WHERE workspace_id = ? AND path = ?",
		ws, node.Path.String()); err != nil {
		return err
	}
	v.treeFor(ws).Delete(indexItem{path: node.Path})
	logging.VFSDebug("deleted %s", node.Path)
	if node.IsFile() {
		*deletedFiles = append(*deletedFiles, node.Path)
	}
	return nil
}

// MoveNode renames a node (and, for directories, every descendant).
func (v *VFS) MoveNode(ws string, from, to VirtualPath) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	node, err := v.getNodeLocked(ws, from)
	if err != nil {
		return err
	}
	if _, err := v.getNodeLocked(ws, to); err == nil {
		return cortexerr.AlreadyExists("path %s", to).WithContext("path", to.String())
	}
	if err := v.ensureParentsLocked(ws, to); err != nil {
		return err
	}

	paths := []VirtualPath{from}
	if node.Kind == KindDirectory {
		for _, item := range v.descendantsLocked(ws, from) {
			paths = append(paths, item.path)
		}
	}
	for _, p := range paths {
		dst, err := p.Rebase(from, to)
		if err != nil {
			return err
		}
		if _, err := v.db.Exec("UPDATE vnodes SET path = ?, updated_at = CURRENT_TIMESTAMP WHERE workspace_id = ? AND path = ?",
			dst.String(), ws, p.String()); err != nil {
			return err
		}
		tree := v.treeFor(ws)
		if item, ok := tree.Get(indexItem{path: p}); ok {
			tree.Delete(item)
			item.path = dst
			tree.ReplaceOrInsert(item)
		}
	}
	logging.VFSDebug("moved %s -> %s (%d nodes)", from, to, len(paths))
	return nil
}

// CopyNode copies a file sharing its blob via ref-count, or a directory
// tree recursively.
func (v *VFS) CopyNode(ws string, from, to VirtualPath) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	node, err := v.getNodeLocked(ws, from)
	if err != nil {
		return err
	}
	if _, err := v.getNodeLocked(ws, to); err == nil {
		return cortexerr.AlreadyExists("path %s", to).WithContext("path", to.String())
	}
	if err := v.ensureParentsLocked(ws, to); err != nil {
		return err
	}

	copyOne := func(src *Node, dst VirtualPath) error {
		clone := &Node{
			ID:          uuid.NewString(),
			WorkspaceID: ws,
			Path:        dst,
			Kind:        src.Kind,
			ContentHash: src.ContentHash,
			Size:        src.Size,
			Mode:        src.Mode,
			Status:      StatusCreated,
			Metadata:    map[string]string{},
		}
		if src.IsFile() && src.ContentHash != "" {
			if err := v.blobs.Retain(src.ContentHash); err != nil {
				return err
			}
		}
		return v.insertNodeLocked(clone)
	}

	if err := copyOne(node, to); err != nil {
		return err
	}
	if node.Kind == KindDirectory {
		for _, item := range v.descendantsLocked(ws, from) {
			src, err := v.getNodeLocked(ws, item.path)
			if err != nil {
				continue
			}
			dst, err := item.path.Rebase(from, to)
			if err != nil {
				return err
			}
			if err := copyOne(src, dst); err != nil {
				return err
			}
		}
	}
	logging.VFSDebug("copied %s -> %s", from, to)
	return nil
}

// MkdirAll creates a directory and any missing ancestors.
func (v *VFS) MkdirAll(ws string, path VirtualPath) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, err := v.getNodeLocked(ws, path); err == nil {
		if existing.Kind != KindDirectory {
			return cortexerr.AlreadyExists("%s exists and is a file", path).WithContext("path", path.String())
		}
		return nil
	}
	if err := v.ensureParentsLocked(ws, path); err != nil {
		return err
	}
	return v.insertNodeLocked(&Node{
		ID: uuid.NewString(), WorkspaceID: ws, Path: path, Kind: KindDirectory, Status: StatusCreated,
	})
}

// ListDirectory returns the direct children of a directory, ordered by
// component name.
func (v *VFS) ListDirectory(ws string, path VirtualPath) ([]DirEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !path.IsRoot() {
		node, err := v.getNodeLocked(ws, path)
		if err != nil {
			return nil, err
		}
		if node.Kind != KindDirectory {
			return nil, cortexerr.InvalidInput("%s is not a directory", path).WithContext("path", path.String())
		}
	}

	entries := make([]DirEntry, 0)
	for _, item := range v.childrenLocked(ws, path) {
		node, err := v.getNodeLocked(ws, item.path)
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{Name: item.path.Base(), Kind: node.Kind, Size: node.Size})
	}
	return entries, nil
}

// Stat returns metadata for a path.
func (v *VFS) Stat(ws string, path VirtualPath) (*FileInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	node, err := v.getNodeLocked(ws, path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:        node.Path,
		Kind:        node.Kind,
		Size:        node.Size,
		ContentHash: node.ContentHash,
		Mode:        node.Mode,
		Status:      node.Status,
		Metadata:    node.Metadata,
		ModTime:     node.UpdatedAt,
	}, nil
}

// GetNode returns the full node row for a path (used by sync and tests).
func (v *VFS) GetNode(ws string, path VirtualPath) (*Node, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.getNodeLocked(ws, path)
}

// SetStatus force-sets a node's status (used by sync and materialization).
func (v *VFS) SetStatus(ws string, path VirtualPath, status SyncStatus) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	node, err := v.getNodeLocked(ws, path)
	if err != nil {
		return err
	}
	node.Status = status
	return v.updateNodeLocked(node)
}

// WalkFiles visits every live file node in a workspace (or under prefix if
// non-root), in path order.
func (v *VFS) WalkFiles(ws string, prefix VirtualPath, fn func(*Node) error) error {
	v.mu.RLock()
	items := make([]indexItem, 0)
	v.treeFor(ws).Ascend(func(item indexItem) bool {
		if item.kind != KindFile {
			return true
		}
		if !prefix.IsRoot() && !prefix.IsAncestorOf(item.path) && !prefix.Equal(item.path) {
			return true
		}
		items = append(items, item)
		return true
	})
	v.mu.RUnlock()

	for _, item := range items {
		node, err := v.GetNode(ws, item.path)
		if err != nil {
			continue
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

func (v *VFS) checkQuota(content []byte) error {
	if v.opts.MaxFileSize > 0 && int64(len(content)) > v.opts.MaxFileSize {
		return cortexerr.QuotaExceeded("file size %d exceeds limit %d", len(content), v.opts.MaxFileSize)
	}
	return nil
}

// childrenLocked returns direct children of dir, in order.
func (v *VFS) childrenLocked(ws string, dir VirtualPath) []indexItem {
	depth := len(dir.Components()) + 1
	var out []indexItem
	for _, item := range v.descendantsLocked(ws, dir) {
		if len(item.path.Components()) == depth {
			out = append(out, item)
		}
	}
	return out
}

// descendantsLocked returns every index item strictly under dir, in order.
// Component-wise ordering keeps a subtree contiguous, so the scan stops at
// the first non-descendant.
func (v *VFS) descendantsLocked(ws string, dir VirtualPath) []indexItem {
	tree := v.treeFor(ws)
	var out []indexItem
	tree.AscendGreaterOrEqual(indexItem{path: dir}, func(item indexItem) bool {
		if item.path.Equal(dir) {
			return true
		}
		if !dir.IsRoot() && !dir.IsAncestorOf(item.path) {
			return false
		}
		out = append(out, item)
		return true
	})
	return out
}
