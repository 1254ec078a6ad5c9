package vfs

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/storage"
)

// HashBytes returns the lowercase-hex BLAKE3 hash of content. This is the
// canonical content address used at every interface boundary.
func HashBytes(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

const blobSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	content BLOB NOT NULL,
	size INTEGER NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_blobs_refcount ON blobs(ref_count);
`

// BlobStore holds content blobs addressed by BLAKE3 hash with reference
// counting. Blobs whose ref-count reaches zero stay on disk until the
// background sweep collects them.
type BlobStore struct {
	db *sql.DB
}

// NewBlobStore binds the blob tables on the shared document store.
func NewBlobStore(store *storage.DocumentStore) (*BlobStore, error) {
	if err := store.RegisterSchema("vfs_blobs_v1", blobSchema); err != nil {
		return nil, err
	}
	return &BlobStore{db: store.DB()}, nil
}

// Put upserts content and increments its ref-count by one. Returns the
// content hash. Writing identical bytes N times leaves one blob with
// ref_count N.
func (b *BlobStore) Put(content []byte) (string, error) {
	hash := HashBytes(content)
	_, err := b.db.Exec(`
		INSERT INTO blobs (hash, content, size, ref_count) VALUES (?, ?, ?, 1)
		ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1`,
		hash, content, len(content))
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	logging.VFSDebug("blob put %s (%d bytes)", hash[:12], len(content))
	return hash, nil
}

// Get returns the content for a hash.
func (b *BlobStore) Get(hash string) ([]byte, error) {
	var content []byte
	err := b.db.QueryRow("SELECT content FROM blobs WHERE hash = ?", hash).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, cortexerr.NotFound("blob %s", hash).WithContext("hash", hash)
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Size returns the stored byte length of a blob.
func (b *BlobStore) Size(hash string) (int64, error) {
	var size int64
	err := b.db.QueryRow("SELECT size FROM blobs WHERE hash = ?", hash).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, cortexerr.NotFound("blob %s", hash)
	}
	return size, err
}

// Retain increments the ref-count of an existing blob (blob sharing on
// copy). Fails if the blob does not exist.
func (b *BlobStore) Retain(hash string) error {
	res, err := b.db.Exec("UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?", hash)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cortexerr.NotFound("blob %s", hash)
	}
	return nil
}

// Release decrements the ref-count. The blob is not physically removed;
// SweepUnreferenced collects zero-ref blobs later.
func (b *BlobStore) Release(hash string) error {
	_, err := b.db.Exec("UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0", hash)
	return err
}

// RefCount returns the current reference count; zero for unknown hashes.
func (b *BlobStore) RefCount(hash string) (int, error) {
	var n int
	err := b.db.QueryRow("SELECT ref_count FROM blobs WHERE hash = ?", hash).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// SweepUnreferenced deletes blobs whose ref-count is zero and returns the
// number collected. Run from the flush timer or the CLI sweep command.
func (b *BlobStore) SweepUnreferenced() (int64, error) {
	res, err := b.db.Exec("DELETE FROM blobs WHERE ref_count <= 0")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.VFS("blob sweep collected %d unreferenced blobs", n)
	}
	return n, nil
}

// Stats returns blob counts and total bytes.
func (b *BlobStore) Stats() (blobs int64, bytes int64, err error) {
	err = b.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs").Scan(&blobs, &bytes)
	return
}
