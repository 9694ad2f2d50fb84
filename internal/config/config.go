// Package config loads and validates the tunables that parameterize one
// index build or query session: accumulator sizing, merge/pyramid
// geometry, and storage policy. Values round-trip through a TOML file on
// disk and through the params-file config blob embedded in a superblock.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/corendex/internal/alloc"
)

// Config is the full set of tunables for a session. Every sub-struct
// maps to one concern; a bare Config{} is never valid on its own, callers
// should start from Default() and override only what they need.
type Config struct {
	Version     int
	Accumulator AccumulatorConfig
	Merge       MergeConfig
	Pyramid     PyramidConfig
	Storage     StorageConfig
}

// AccumulatorConfig sizes the in-memory postings table (§4.4).
type AccumulatorConfig struct {
	// TableSize is the hash bucket count backing the chained table.
	TableSize int
	// ParseBufBytes bounds how much raw input text is buffered per read.
	ParseBufBytes int
	// MemoryBudgetMB is the approximate memory ceiling before the
	// accumulator is dumped to a run file and reset.
	MemoryBudgetMB int
}

func (a AccumulatorConfig) Validate() error {
	if a.TableSize <= 0 {
		return fmt.Errorf("config: accumulator.tablesize must be positive, got %d", a.TableSize)
	}
	if a.ParseBufBytes <= 0 {
		return fmt.Errorf("config: accumulator.parsebuf must be positive, got %d", a.ParseBufBytes)
	}
	if a.MemoryBudgetMB <= 0 {
		return fmt.Errorf("config: accumulator.memory must be positive, got %d", a.MemoryBudgetMB)
	}
	return nil
}

// MergeConfig parameterizes the k-way merge state machine (§4.1).
type MergeConfig struct {
	// MaxFilesizeBytes bounds how large a single vector or vocab file
	// grows before the writer rolls over to a new fileno.
	MaxFilesizeBytes uint64
	// PageSize is the B-tree vocabulary page size in bytes.
	PageSize int
	// VocabLsize is the inline cutoff in bytes: the final merge stores a
	// term's postings inside its vocab leaf entry when their encoded size
	// is below it, and in a vector-file extent otherwise.
	VocabLsize uint64
	// OverallocNum/OverallocDen set the final merge's extent
	// overallocation: capacity = size + size*Num/Den, with the extra
	// bytes written as zero padding after the postings.
	OverallocNum uint64
	OverallocDen uint64
}

func (m MergeConfig) Validate() error {
	if m.MaxFilesizeBytes == 0 {
		return fmt.Errorf("config: merge.max_filesize must be positive")
	}
	if m.PageSize <= 0 {
		return fmt.Errorf("config: merge.pagesize must be positive, got %d", m.PageSize)
	}
	if m.VocabLsize == 0 {
		return fmt.Errorf("config: merge.vocab_lsize must be positive")
	}
	if m.OverallocDen == 0 {
		return fmt.Errorf("config: merge.overalloc_den must be positive")
	}
	return nil
}

// PyramidConfig parameterizes the pyramid merge scheduler (§4.2).
type PyramidConfig struct {
	// Width is the fan-in threshold: this many contiguous same-level
	// runs trigger an intermediate merge.
	Width int
	// BigThreshold is the large-transfer threshold in bytes. It is kept
	// in the config and its TOML form only; the merge machine uses its own
	// fixed merge.BigThreshold constant and does not read this field.
	BigThreshold uint64
	// BufferSizeBytes is the total I/O buffer budget split across a
	// merge's input channels, output channel, and big-partition channel.
	BufferSizeBytes uint64
}

func (p PyramidConfig) Validate() error {
	if p.Width < 2 {
		return fmt.Errorf("config: pyramid.width must be at least 2, got %d", p.Width)
	}
	if p.BufferSizeBytes == 0 {
		return fmt.Errorf("config: pyramid.memory must be positive")
	}
	return nil
}

// StorageConfig controls on-disk placement policy.
type StorageConfig struct {
	// Append is kept in the config and its TOML form only; no component
	// reads it, and freed extents are reused whatever its value.
	Append bool
	// FDPoolCapacity bounds how many file descriptors fdpool keeps open
	// at once before evicting the least-recently-used one.
	FDPoolCapacity int
	// FreemapStrategy names the alloc.Strategy used to place new
	// extents: "first", "close", "best", or "worst".
	FreemapStrategy string
}

func (s StorageConfig) Validate() error {
	if s.FDPoolCapacity <= 0 {
		return fmt.Errorf("config: storage.fdpool_capacity must be positive, got %d", s.FDPoolCapacity)
	}
	if _, err := s.Strategy(); err != nil {
		return err
	}
	return nil
}

// Strategy resolves FreemapStrategy to an alloc.Strategy value.
func (s StorageConfig) Strategy() (alloc.Strategy, error) {
	switch s.FreemapStrategy {
	case "first":
		return alloc.StrategyFirst, nil
	case "close":
		return alloc.StrategyClose, nil
	case "best":
		return alloc.StrategyBest, nil
	case "worst":
		return alloc.StrategyWorst, nil
	default:
		return 0, fmt.Errorf("config: storage.freemap_strategy %q is not one of first/close/best/worst", s.FreemapStrategy)
	}
}

// Validate checks every sub-struct in turn.
func (c Config) Validate() error {
	if err := c.Accumulator.Validate(); err != nil {
		return err
	}
	if err := c.Merge.Validate(); err != nil {
		return err
	}
	if err := c.Pyramid.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return nil
}

// Default returns the tunables a fresh index build uses when nothing on
// disk or on the command line overrides them.
func Default() Config {
	return Config{
		Version: 1,
		Accumulator: AccumulatorConfig{
			TableSize:      65536,
			ParseBufBytes:  1 << 20,
			MemoryBudgetMB: 64,
		},
		Merge: MergeConfig{
			MaxFilesizeBytes: 1 << 31,
			PageSize:         4096,
			VocabLsize:       16384,
			OverallocNum:     5,
			OverallocDen:     4,
		},
		Pyramid: PyramidConfig{
			Width:           8,
			BigThreshold:    20 << 20,
			BufferSizeBytes: 4 << 20,
		},
		Storage: StorageConfig{
			Append:          false,
			FDPoolCapacity:  64,
			FreemapStrategy: "close",
		},
	}
}

// Load reads and validates a TOML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes cfg as TOML bytes, for embedding in the params-file
// superblock's config blob (§6).
func Marshal(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: encoding: %w", err)
	}
	return data, nil
}

// Save writes cfg to path as TOML, creating or truncating the file.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
