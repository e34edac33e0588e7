package engine

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tuannm99/novasql/internal/btree"
	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/hashindex"
	"github.com/tuannm99/novasql/internal/storage"
)

// IndexKind names which on-disk structure backs an index.
type IndexKind string

const (
	IndexKindBTree IndexKind = "btree"
	IndexKindHash  IndexKind = "hash"
)

var (
	ErrIndexNotFound  = errors.New("novasql: index not found")
	ErrIndexExists    = errors.New("novasql: index already exists")
	ErrIndexBadColumn = errors.New("novasql: index key column not found")
	ErrIndexBadKind   = errors.New("novasql: unsupported index kind")
	ErrIndexBadName   = errors.New("novasql: invalid index name")
	ErrIndexBadTable  = errors.New("novasql: invalid table name")
	ErrIndexBadKeyCol = errors.New("novasql: invalid key column")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return errors.New("novasql: invalid identifier: " + name)
	}
	return nil
}

// IndexMeta is stored inside TableMeta (table.meta.json).
type IndexMeta struct {
	Name      string    `json:"name"`
	Kind      IndexKind `json:"kind"`
	KeyColumn string    `json:"key_column"`
	FileBase  string    `json:"file_base"` // LocalFileSet.Base (segments live in db.tableDir())

	// DirectoryPageID is only meaningful for IndexKindHash: the page id of
	// the extendible hash table's directory page within its own fileset,
	// the sole piece of state needed to reopen it.
	DirectoryPageID uint32 `json:"directory_page_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListIndexes returns registered indexes of a table.
func (db *Database) ListIndexes(table string) ([]IndexMeta, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	if err := validateIdent(table); err != nil {
		return nil, ErrIndexBadTable
	}
	meta, err := db.readTableMeta(table)
	if err != nil {
		return nil, err
	}
	return append([]IndexMeta(nil), meta.Indexes...), nil
}

func (db *Database) findIndexMeta(meta *TableMeta, indexName string) (int, *IndexMeta) {
	for i := range meta.Indexes {
		if meta.Indexes[i].Name == indexName {
			return i, &meta.Indexes[i]
		}
	}
	return -1, nil
}

func (db *Database) hasColumn(meta *TableMeta, col string) bool {
	for i := range meta.Schema.Cols {
		if meta.Schema.Cols[i].Name == col {
			return true
		}
	}
	return false
}

func (db *Database) indexFileSet(table, index string) storage.LocalFileSet {
	return storage.LocalFileSet{
		Dir:  db.tableDir(),
		Base: db.fmtIndexBase(table, index),
	}
}

func (db *Database) prepareIndexCreate(table, indexName, keyColumn string) (*TableMeta, storage.LocalFileSet, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, storage.LocalFileSet{}, err
	}
	if err := validateIdent(table); err != nil {
		return nil, storage.LocalFileSet{}, ErrIndexBadTable
	}
	if err := validateIdent(indexName); err != nil {
		return nil, storage.LocalFileSet{}, ErrIndexBadName
	}
	if err := validateIdent(keyColumn); err != nil {
		return nil, storage.LocalFileSet{}, ErrIndexBadKeyCol
	}

	tmeta, err := db.readTableMeta(table)
	if err != nil {
		return nil, storage.LocalFileSet{}, err
	}
	if !db.hasColumn(tmeta, keyColumn) {
		return nil, storage.LocalFileSet{}, ErrIndexBadColumn
	}
	if _, im := db.findIndexMeta(tmeta, indexName); im != nil {
		return nil, storage.LocalFileSet{}, ErrIndexExists
	}

	if err := os.MkdirAll(db.tableDir(), 0o755); err != nil {
		return nil, storage.LocalFileSet{}, err
	}
	return tmeta, db.indexFileSet(table, indexName), nil
}

// CreateBTreeIndex registers an index and creates a new BTree handle.
// NOTE: this does not backfill existing rows.
func (db *Database) CreateBTreeIndex(table, indexName, keyColumn string) (*btree.Tree, error) {
	tmeta, fs, err := db.prepareIndexCreate(table, indexName, keyColumn)
	if err != nil {
		return nil, err
	}

	bp := db.viewFor(fs)
	tree := btree.NewTree(db.SM, fs, bp)

	now := time.Now()
	tmeta.Indexes = append(tmeta.Indexes, IndexMeta{
		Name:      indexName,
		Kind:      IndexKindBTree,
		KeyColumn: keyColumn,
		FileBase:  fs.Base,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err := db.writeTableMeta(tmeta); err != nil {
		return nil, err
	}
	return tree, nil
}

// OpenBTreeIndex opens an existing btree index by name.
func (db *Database) OpenBTreeIndex(table, indexName string) (*btree.Tree, error) {
	im, err := db.lookupIndex(table, indexName, IndexKindBTree)
	if err != nil {
		return nil, err
	}
	fs := storage.LocalFileSet{Dir: db.tableDir(), Base: im.FileBase}
	bp := db.viewFor(fs)
	return btree.OpenTree(db.SM, fs, bp)
}

// CreateHashIndex registers an index and builds a fresh extendible hash
// table, backed by its own dedicated ParallelPool of instances sharding a
// dedicated on-disk file set (spec's "each hash index gets its own
// LocalFileSet and ParallelPool" design).
func (db *Database) CreateHashIndex(table, indexName, keyColumn string, shards, perShardCapacity int) (*hashindex.ExtendibleHashTable, error) {
	tmeta, fs, err := db.prepareIndexCreate(table, indexName, keyColumn)
	if err != nil {
		return nil, err
	}

	pm, err := db.newHashIndexPageManager(fs, shards, perShardCapacity)
	if err != nil {
		return nil, err
	}
	ht, err := hashindex.NewHashTable(pm, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmeta.Indexes = append(tmeta.Indexes, IndexMeta{
		Name:            indexName,
		Kind:            IndexKindHash,
		KeyColumn:       keyColumn,
		FileBase:        fs.Base,
		DirectoryPageID: ht.DirectoryPageID(),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err := db.writeTableMeta(tmeta); err != nil {
		return nil, err
	}
	return ht, nil
}

// OpenHashIndex reopens an existing hash index by name.
func (db *Database) OpenHashIndex(table, indexName string, shards, perShardCapacity int) (*hashindex.ExtendibleHashTable, error) {
	im, err := db.lookupIndex(table, indexName, IndexKindHash)
	if err != nil {
		return nil, err
	}
	fs := storage.LocalFileSet{Dir: db.tableDir(), Base: im.FileBase}
	pm, err := db.newHashIndexPageManager(fs, shards, perShardCapacity)
	if err != nil {
		return nil, err
	}
	return hashindex.OpenHashTable(pm, im.DirectoryPageID, nil), nil
}

// newHashIndexPageManager opens (or creates) the N segment files backing
// one hash index's dedicated page-id space, one per shard, each wrapped
// in its own block device, and returns the ParallelPool over them.
func (db *Database) newHashIndexPageManager(fs storage.LocalFileSet, shards, perShardCapacity int) (*bufferpool.ParallelPool, error) {
	if shards < 1 {
		shards = 1
	}
	if err := os.MkdirAll(fs.Dir, 0o755); err != nil {
		return nil, err
	}

	pageSize := storage.PageSize
	devs := make([]storage.BlockDevice, shards)
	for i := 0; i < shards; i++ {
		path := fs.Dir + "/" + fs.Base + hashShardSuffix(i)
		dev, err := storage.NewFileBlockDevice(path, pageSize)
		if err != nil {
			return nil, err
		}
		devs[i] = dev
	}
	return bufferpool.NewParallelPool(devs, perShardCapacity), nil
}

func hashShardSuffix(i int) string {
	return fmt.Sprintf(".hash%d", i)
}

func (db *Database) lookupIndex(table, indexName string, want IndexKind) (*IndexMeta, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	if err := validateIdent(table); err != nil {
		return nil, ErrIndexBadTable
	}
	if err := validateIdent(indexName); err != nil {
		return nil, ErrIndexBadName
	}

	tmeta, err := db.readTableMeta(table)
	if err != nil {
		return nil, err
	}
	_, im := db.findIndexMeta(tmeta, indexName)
	if im == nil {
		return nil, ErrIndexNotFound
	}
	if im.Kind != want {
		return nil, ErrIndexBadKind
	}
	cp := *im
	return &cp, nil
}

// DropIndex drops on-disk index files and removes it from the registry.
// For btree indexes, pages are flushed and evicted from the shared
// GlobalPool before the files are deleted so a later eviction can never
// write stale cached pages back over the removed files; hash index files
// are removed directly (see dropHashIndexFiles).
func (db *Database) DropIndex(table, indexName string) error {
	if err := db.ensureOpen(); err != nil {
		return err
	}
	if err := validateIdent(table); err != nil {
		return ErrIndexBadTable
	}
	if err := validateIdent(indexName); err != nil {
		return ErrIndexBadName
	}

	tmeta, err := db.readTableMeta(table)
	if err != nil {
		return err
	}
	pos, im := db.findIndexMeta(tmeta, indexName)
	if im == nil {
		return ErrIndexNotFound
	}

	switch im.Kind {
	case IndexKindBTree:
		fs := storage.LocalFileSet{Dir: db.tableDir(), Base: im.FileBase}
		if err := db.flushAndDropFileSet(fs); err != nil {
			return err
		}
		if err := btree.DropIndex(fs); err != nil {
			return err
		}
	case IndexKindHash:
		if err := db.dropHashIndexFiles(*im); err != nil {
			return err
		}
	default:
		return ErrIndexBadKind
	}

	last := len(tmeta.Indexes) - 1
	tmeta.Indexes[pos] = tmeta.Indexes[last]
	tmeta.Indexes = tmeta.Indexes[:last]
	tmeta.UpdatedAt = time.Now()
	return db.writeTableMeta(tmeta)
}

// dropHashIndexFiles removes every shard segment file backing a hash
// index. The hash index has its own dedicated block devices (not routed
// through the shared GlobalPool), so there is nothing to flush/evict
// first; the caller is responsible for closing any open handle before
// calling this.
func (db *Database) dropHashIndexFiles(im IndexMeta) error {
	for i := 0; ; i++ {
		path := db.tableDir() + "/" + im.FileBase + hashShardSuffix(i)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
