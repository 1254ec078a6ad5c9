package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDiskFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSyncCreatesNewFiles(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	writeDiskFile(t, disk, "src/main.go", "package main")
	writeDiskFile(t, disk, "README.md", "# hi")

	report, err := v.SyncFromFilesystem(ws, disk, Root, DefaultSyncOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Empty(t, report.Errors)

	data, err := v.ReadFile(ws, MustPath("/src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, []byte("package main"), data)

	info, err := v.Stat(ws, MustPath("/src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, info.Status)
}

func TestSyncConflictProtocol(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	p := MustPath("/x.rs")

	// File exists with content "A", Synced.
	_, err := v.CreateFile(ws, p, []byte("A"))
	require.NoError(t, err)
	require.NoError(t, v.SetStatus(ws, p, StatusSynced))

	// VFS write: "B" -> Modified.
	require.NoError(t, v.UpdateFile(ws, p, []byte("B")))
	info, _ := v.Stat(ws, p)
	require.Equal(t, StatusModified, info.Status)

	// Disk write: "C".
	writeDiskFile(t, disk, "x.rs", "C")

	// Without auto-resolve: Conflict, VFS keeps "B", disk hash stashed.
	report, err := v.SyncFromFilesystem(ws, disk, Root, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	node, err := v.GetNode(ws, p)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, node.Status)
	assert.Equal(t, HashBytes([]byte("B")), node.ContentHash)
	assert.Equal(t, HashBytes([]byte("C")), node.Metadata[MetaFSContentHash])
	assert.NotEqual(t, node.ContentHash, node.Metadata[MetaFSContentHash])

	// With auto-resolve: disk wins, Modified, content "C".
	report, err = v.SyncFromFilesystem(ws, disk, Root, SyncOptions{AutoResolveConflicts: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	node, err = v.GetNode(ws, p)
	require.NoError(t, err)
	assert.Equal(t, StatusModified, node.Status)
	assert.Equal(t, HashBytes([]byte("C")), node.ContentHash)
	assert.NotContains(t, node.Metadata, MetaFSContentHash)
}

func TestSyncSyncedFileUpdated(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	p := MustPath("/a.txt")
	_, err := v.CreateFile(ws, p, []byte("old"))
	require.NoError(t, err)
	require.NoError(t, v.SetStatus(ws, p, StatusSynced))

	writeDiskFile(t, disk, "a.txt", "new")
	report, err := v.SyncFromFilesystem(ws, disk, Root, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	info, _ := v.Stat(ws, p)
	assert.Equal(t, StatusModified, info.Status)
	data, _ := v.ReadFile(ws, p)
	assert.Equal(t, []byte("new"), data)
}

func TestSyncUnchangedCounts(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	writeDiskFile(t, disk, "same.txt", "stable")
	_, err := v.CreateFile(ws, MustPath("/same.txt"), []byte("stable"))
	require.NoError(t, err)

	report, err := v.SyncFromFilesystem(ws, disk, Root, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, report.Conflicts)
}

func TestSyncSkipsHiddenAndExcluded(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	writeDiskFile(t, disk, ".git/config", "secret")
	writeDiskFile(t, disk, "node_modules/pkg/index.js", "js")
	writeDiskFile(t, disk, "visible.txt", "ok")

	report, err := v.SyncFromFilesystem(ws, disk, Root, DefaultSyncOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesScanned)
	_, err = v.Stat(ws, MustPath("/visible.txt"))
	assert.NoError(t, err)
}

func TestSyncMaxDepth(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	writeDiskFile(t, disk, "top.txt", "1")
	writeDiskFile(t, disk, "a/mid.txt", "2")
	writeDiskFile(t, disk, "a/b/deep.txt", "3")

	report, err := v.SyncFromFilesystem(ws, disk, Root, SyncOptions{MaxDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.FilesScanned)
}

func TestSyncDeleteMissing(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	p := MustPath("/gone.txt")
	_, err := v.CreateFile(ws, p, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, v.SetStatus(ws, p, StatusSynced))

	report, err := v.SyncFromFilesystem(ws, disk, Root, SyncOptions{DeleteMissing: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	_, err = v.Stat(ws, p)
	assert.Error(t, err)
}

func TestMaterializeRoundTrip(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()

	_, err := v.CreateFile(ws, MustPath("/pkg/a.go"), []byte("package pkg"))
	require.NoError(t, err)
	_, err = v.CreateFile(ws, MustPath("/pkg/b.go"), []byte("package pkg // b"))
	require.NoError(t, err)

	report, err := v.Materialize(ws, disk, MaterializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.FilesWritten)
	assert.Empty(t, report.Errors)

	data, err := os.ReadFile(filepath.Join(disk, "pkg", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, []byte("package pkg"), data)

	info, _ := v.Stat(ws, MustPath("/pkg/a.go"))
	assert.Equal(t, StatusSynced, info.Status)

	// Workspace subtree round-trip: sync the disk copy into a fresh
	// workspace and compare contents.
	ws2, err := v.CreateWorkspace("round")
	require.NoError(t, err)
	_, err = v.SyncFromFilesystem(ws2, disk, Root, SyncOptions{})
	require.NoError(t, err)
	data, err = v.ReadFile(ws2, MustPath("/pkg/b.go"))
	require.NoError(t, err)
	assert.Equal(t, []byte("package pkg // b"), data)
}

func TestMaterializeScoped(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()

	_, err := v.CreateFile(ws, MustPath("/in/scope.txt"), []byte("yes"))
	require.NoError(t, err)
	_, err = v.CreateFile(ws, MustPath("/out/scope.txt"), []byte("no"))
	require.NoError(t, err)

	report, err := v.Materialize(ws, disk, MaterializeOptions{Paths: []VirtualPath{MustPath("/in")}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesWritten)

	_, err = os.Stat(filepath.Join(disk, "out", "scope.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializeSkipsSynced(t *testing.T) {
	v, ws := newTestVFS(t)
	disk := t.TempDir()
	_, err := v.CreateFile(ws, MustPath("/a.txt"), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, v.SetStatus(ws, MustPath("/a.txt"), StatusSynced))

	report, err := v.Materialize(ws, disk, MaterializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesWritten)
}
