package common

import "errors"

// --- Capacity Errors ---

var (
	ErrPageFull          = errors.New("not enough free space in page")
	ErrDocumentTooLarge  = errors.New("document exceeds maximum size")
	ErrIndexKeyTooLong   = errors.New("index key exceeds maximum length")
	ErrSizeLimitReached  = errors.New("data file reached its size limit")
	ErrCollectionLimit   = errors.New("no space left in header page for another collection")
	ErrIndexLimit        = errors.New("no space left in collection page for another index")
	ErrSortContainerSize = errors.New("sort container size must be a multiple of the page size")
)

// --- Lock Errors ---

var (
	ErrLockTimeout    = errors.New("lock timeout")
	ErrDatabaseLocked = errors.New("database file is locked by another process")
)

// --- Corruption / Format Errors ---

var (
	ErrInvalidPage      = errors.New("invalid page type")
	ErrCorruptedPage    = errors.New("corrupted page")
	ErrInvalidDatafile  = errors.New("invalid data file")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrPositionNotAlign = errors.New("stream position is not page aligned")
)

// --- IO Errors ---

var (
	ErrIO           = errors.New("i/o error")
	ErrStreamClosed = errors.New("stream is closed")
)

// --- State Errors ---

var (
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrReadOnly             = errors.New("database is opened in read-only mode")
	ErrEngineClosed         = errors.New("engine is closed")
	ErrCacheInUse           = errors.New("cache has pages in use")
)

// --- Domain Errors ---

var (
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrCollectionExists      = errors.New("collection already exists")
	ErrInvalidCollectionName = errors.New("invalid collection name")
	ErrIndexNotFound         = errors.New("index not found")
	ErrIndexAlreadyExists    = errors.New("index already exists")
	ErrInvalidIndexName      = errors.New("invalid index name")
	ErrDuplicateKey          = errors.New("duplicate key in unique index")
	ErrInvalidKey            = errors.New("invalid index key")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrInvalidDocumentID     = errors.New("invalid document id")
	ErrUnknownPragma         = errors.New("unknown pragma")
	ErrReadOnlyPragma        = errors.New("pragma is read-only")
)
