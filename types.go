package novasql

import "github.com/tuannm99/novasql/internal/engine"

// Package novasql is the top-level facade for NovaSQL engine. Fixing golangci-lint
type Database = engine.Database

type TableMeta = engine.TableMeta

type IndexMeta = engine.IndexMeta

type IndexKind = engine.IndexKind

const (
	IndexKindBTree = engine.IndexKindBTree
	IndexKindHash  = engine.IndexKindHash
)

var (
	ErrDatabaseClosed = engine.ErrDatabaseClosed
	ErrInvalidPageID  = engine.ErrInvalidPageID

	ErrIndexNotFound  = engine.ErrIndexNotFound
	ErrIndexExists    = engine.ErrIndexExists
	ErrIndexBadColumn = engine.ErrIndexBadColumn
	ErrIndexBadKind   = engine.ErrIndexBadKind
	ErrIndexBadName   = engine.ErrIndexBadName
	ErrIndexBadTable  = engine.ErrIndexBadTable
	ErrIndexBadKeyCol = engine.ErrIndexBadKeyCol
)

// NewDatabase opens (without touching the filesystem yet) a database
// rooted at dataDir.
func NewDatabase(dataDir string) *Database {
	return engine.NewDatabase(dataDir)
}
