package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/storage"
)

var (
	ErrDatabaseClosed = errors.New("novasql: database is closed")
	ErrInvalidPageID  = errors.New("novasql: invalid page ID")
)

type DatabaseOperation interface {
	CreateTable(name string, schema record.Schema) (*heap.Table, error)
	OpenTable(name string) (*heap.Table, error)
	DropTable(name string) error
	Close() error
}

type TableMeta struct {
	Name      string        `json:"name"`
	Schema    record.Schema `json:"schema"`
	PageCount uint32        `json:"page_count"`
	Indexes   []IndexMeta   `json:"indexes,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

var _ DatabaseOperation = (*Database)(nil)

type Database struct {
	DataDir string
	SM      *storage.StorageManager

	// GP backs btree index handles with a shared, cross-relation buffer
	// pool, separate from the per-table bufferpool.Pool used by
	// CreateTable/OpenTable, so dropping an index's pages never disturbs
	// an unrelated table's cache. Hash indexes do not use GP; each has its
	// own ParallelPool over dedicated block devices.
	GP *bufferpool.GlobalPool

	mu     sync.RWMutex
	closed bool
}

// NewDatabase creates a new database handle without touching the filesystem.
func NewDatabase(dataDir string) *Database {
	sm := storage.NewStorageManager()
	return &Database{
		DataDir: dataDir,
		SM:      sm,
		GP:      bufferpool.NewGlobalPool(sm, bufferpool.DefaultCapacity),
	}
}

// ensureOpen returns ErrDatabaseClosed once Close has been called.
func (db *Database) ensureOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return nil
}

func (db *Database) tableDir() string {
	return filepath.Join(db.DataDir, "tables")
}

// TableDir exposes tableDir to callers outside this package (the index
// registry and the SQL executor both need it).
func (db *Database) TableDir() string {
	return db.tableDir()
}

// viewFor returns a bufferpool.Manager scoped to fs, backed by the shared
// GlobalPool rather than a dedicated per-fileset Pool, so index pages
// participate in one global eviction policy instead of each index getting
// its own fixed-size pool.
func (db *Database) viewFor(fs storage.FileSet) bufferpool.Manager {
	return db.GP.View(fs)
}

// BufferView exposes viewFor to other packages (the SQL executor needs a
// Manager scoped to an arbitrary fileset, e.g. to read a heap table's
// overflow fileset directly).
func (db *Database) BufferView(fs storage.FileSet) bufferpool.Manager {
	return db.viewFor(fs)
}

// flushAndDropFileSet flushes and evicts every page of fs from the shared
// GlobalPool. Callers must do this before deleting an index's on-disk
// files, or a later eviction could write stale cached pages back over the
// deleted files.
func (db *Database) flushAndDropFileSet(fs storage.FileSet) error {
	if err := db.GP.FlushFileSet(fs); err != nil {
		return err
	}
	return db.GP.DropFileSet(fs)
}

// fmtIndexBase derives the on-disk file base name for an index, kept
// distinct from any table or overflow fileset's own base name.
func (db *Database) fmtIndexBase(table, index string) string {
	return table + "__idx__" + index
}

// ListTables scans the table directory for registered table metadata.
func (db *Database) ListTables() ([]*TableMeta, error) {
	entries, err := os.ReadDir(db.tableDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*TableMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".meta.json")
		meta, err := db.readTableMeta(name)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func (db *Database) tableMetaPath(name string) string {
	return filepath.Join(db.tableDir(), name+".meta.json")
}

// helper: return FileSet for a given table name.
func (db *Database) tableFileSet(name string) storage.FileSet {
	return storage.LocalFileSet{
		Dir:  db.tableDir(),
		Base: name,
	}
}

// writeTableMeta overwrites the meta file for a given table.
func (db *Database) writeTableMeta(meta *TableMeta) error {
	path := db.tableMetaPath(meta.Name)

	if err := os.MkdirAll(db.tableDir(), 0o755); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readTableMeta loads table metadata from JSON file.
func (db *Database) readTableMeta(name string) (*TableMeta, error) {
	path := db.tableMetaPath(name)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta TableMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (db *Database) CreateTable(name string, schema record.Schema) (*heap.Table, error) {
	fs := db.tableFileSet(name)
	bp := bufferpool.NewPool(db.SM, fs, bufferpool.DefaultCapacity)

	meta := &TableMeta{
		Name:      name,
		Schema:    schema,
		PageCount: 0,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.writeTableMeta(meta); err != nil {
		return nil, err
	}

	// Overflow data for this table is stored in a separate fileset with a
	// deterministic naming convention: "<table>_ovf".
	overflowFS := storage.LocalFileSet{
		Dir:  db.tableDir(),
		Base: name + "_ovf",
	}
	ovf := storage.NewOverflowManager(db.SM, overflowFS)

	tbl := heap.NewTable(name, schema, db.SM, fs, bp, ovf, 0)
	return tbl, nil
}

func (db *Database) OpenTable(name string) (*heap.Table, error) {
	fs := db.tableFileSet(name)

	meta, err := db.readTableMeta(name)
	if err != nil {
		return nil, err
	}

	// Count pages on disk as the single source of truth.
	pageCount, err := db.SM.CountPages(fs)
	if err != nil {
		return nil, err
	}

	// Refresh meta PageCount snapshot.
	meta.PageCount = pageCount
	meta.UpdatedAt = time.Now()

	// Best-effort update; if this fails, we still can open the table.
	if err := db.writeTableMeta(meta); err != nil {
		slog.Info("open table:: error write table meta", "err", err)
	}

	bp := bufferpool.NewPool(db.SM, fs, bufferpool.DefaultCapacity)

	// Rebuild the overflow manager for this table based on the same naming
	// convention used in CreateTable.
	overflowFS := storage.LocalFileSet{
		Dir:  db.tableDir(),
		Base: name + "_ovf",
	}
	ovf := storage.NewOverflowManager(db.SM, overflowFS)

	tbl := heap.NewTable(name, meta.Schema, db.SM, fs, bp, ovf, pageCount)
	return tbl, nil
}

// DropTable removes a table's indexes, segment files, and metadata. The
// caller must close its own heap.Table/index handles first; DropTable does
// not track or evict pages cached in a per-table bufferpool.Pool the way
// DropIndex evicts from the shared GlobalPool.
func (db *Database) DropTable(name string) error {
	if err := db.ensureOpen(); err != nil {
		return err
	}

	meta, err := db.readTableMeta(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, im := range append([]IndexMeta(nil), meta.Indexes...) {
		if err := db.DropIndex(name, im.Name); err != nil {
			return err
		}
	}

	if err := removeFileSetSegments(db.tableDir(), name); err != nil {
		return err
	}
	if err := removeFileSetSegments(db.tableDir(), name+"_ovf"); err != nil {
		return err
	}
	return os.Remove(db.tableMetaPath(name))
}

// removeFileSetSegments removes base, base.1, base.2, ... following the
// same segment naming convention as storage.LocalFileSet.OpenSegment,
// stopping at the first missing segment.
func removeFileSetSegments(dir, base string) error {
	path := filepath.Join(dir, base)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := 1; ; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s.%d", base, i))
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return err
		}
	}
	return nil
}

// FlushAllPools flushes every dirty page cached in the shared GlobalPool.
// Per-table bufferpool.Pool instances returned by CreateTable/OpenTable are
// the caller's own handle and are not tracked here; flush those via the
// heap.Table itself.
func (db *Database) FlushAllPools() error {
	if err := db.ensureOpen(); err != nil {
		return err
	}
	return db.GP.FlushAll()
}

func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	db.closed = true
	// Per-table pools (heap.Table/btree.Tree handles) are the caller's
	// responsibility to flush and close; only the shared index pool is
	// ours to flush here.
	return db.GP.FlushAll()
}

// Not supported yet: we do not have a real ALTER TABLE that rewrites data.
// UpdateTableSchema only updates the meta file schema definition.
func (db *Database) UpdateTableSchema(name string, newSchema record.Schema) error {
	meta, err := db.readTableMeta(name)
	if err != nil {
		return err
	}

	meta.Schema = newSchema
	meta.UpdatedAt = time.Now()

	return db.writeTableMeta(meta)
}

// SyncTableMetaPageCount updates the table meta when only PageCount changes.
func (db *Database) SyncTableMetaPageCount(tbl *heap.Table) error {
	meta, err := db.readTableMeta(tbl.Name)
	if err != nil {
		return err
	}
	meta.PageCount = tbl.PageCount
	return db.writeTableMeta(meta)
}
