package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// ConnectionType selects how the data file is shared between processes.
type ConnectionType string

const (
	// ConnectionDirect keeps the file open and locked for the engine lifetime.
	ConnectionDirect ConnectionType = "direct"
	// ConnectionShared opens the file for each operation under a file lock.
	ConnectionShared ConnectionType = "shared"
)

// Settings configure an engine. Zero values take the defaults below.
type Settings struct {
	Filename   string         `yaml:"filename"`
	Password   string         `yaml:"password"`
	ReadOnly   bool           `yaml:"read_only"`
	Connection ConnectionType `yaml:"connection"`

	// InitialSize preallocates the data file of a new database, in bytes.
	InitialSize int64 `yaml:"initial_size"`

	// The settings below seed the pragmas of a new data file. Collation of
	// an existing file only changes through a rebuild.
	Collation string        `yaml:"collation"`
	Timeout   time.Duration `yaml:"timeout"`
	LimitSize int64         `yaml:"limit_size"`
	UTCDate   bool          `yaml:"utc_date"`
	// CheckpointSize is the log length, in pages, that triggers an
	// automatic checkpoint. Zero keeps the default; negative disables it.
	CheckpointSize int `yaml:"checkpoint_size"`

	MaxTransactionSize int   `yaml:"max_transaction_size"`
	CacheSegmentSizes  []int `yaml:"cache_segment_sizes"`
	// SortContainerSize is the byte budget of one external sort run. It
	// must be a multiple of the page size.
	SortContainerSize int `yaml:"sort_container_size"`

	// AutoRebuild rebuilds an existing file on open when its collation
	// differs from Collation.
	AutoRebuild bool `yaml:"auto_rebuild"`

	// MemoryStream keeps both files in memory. Nothing survives Close.
	MemoryStream bool `yaml:"memory_stream"`
}

const (
	defaultMaxTransactionSize = 10000
	defaultSortContainerSize  = 100 * common.PageSize
)

func (s Settings) withDefaults() Settings {
	if s.Connection == "" {
		s.Connection = ConnectionDirect
	}
	switch {
	case s.Timeout <= 0:
		s.Timeout = time.Minute
	case s.Timeout < time.Second:
		// the header stores whole seconds
		s.Timeout = time.Second
	}
	if s.LimitSize <= 0 {
		s.LimitSize = math.MaxInt64
	}
	switch {
	case s.CheckpointSize == 0:
		s.CheckpointSize = pagemanager.DefaultPragmas().Checkpoint
	case s.CheckpointSize < 0:
		s.CheckpointSize = 0
	}
	if s.MaxTransactionSize <= 0 {
		s.MaxTransactionSize = defaultMaxTransactionSize
	}
	if s.SortContainerSize <= 0 {
		s.SortContainerSize = defaultSortContainerSize
	}
	return s
}

func (s Settings) validate() error {
	if s.Filename == "" && !s.MemoryStream {
		return fmt.Errorf("settings: filename is required unless memory_stream is set")
	}
	switch s.Connection {
	case ConnectionDirect, ConnectionShared:
	default:
		return fmt.Errorf("settings: unknown connection type %q", s.Connection)
	}
	if s.MemoryStream && s.Connection == ConnectionShared {
		return fmt.Errorf("settings: shared connection needs a file")
	}
	if s.SortContainerSize%common.PageSize != 0 {
		return fmt.Errorf("settings: %w: %d", common.ErrSortContainerSize, s.SortContainerSize)
	}
	if s.Collation != "" {
		if _, err := value.ParseCollation(s.Collation); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
	}
	if s.LimitSize < 4*common.PageSize {
		return fmt.Errorf("settings: limit_size must be at least %d bytes", 4*common.PageSize)
	}
	return nil
}

// pragmas seeds the header of a new data file.
func (s Settings) pragmas() pagemanager.Pragmas {
	p := pagemanager.DefaultPragmas()
	if s.Collation != "" {
		p.Collation = s.Collation
	}
	p.Timeout = s.Timeout
	p.LimitSize = s.LimitSize
	p.UTCDate = s.UTCDate
	p.Checkpoint = s.CheckpointSize
	return p
}
