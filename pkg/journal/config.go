package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// ErrConfigInvalid is returned by LoadConfig when the config file contains
// invalid JSONC or fails validation.
var ErrConfigInvalid = errors.New("journal: invalid config")

// Config holds journal-wide tunables. Zero value is invalid; use
// DefaultConfig and override individual fields, or load one from disk with
// LoadConfig.
type Config struct {
	// MinBufSize and MaxBufSize bound JournalBuf.body capacity, in bytes,
	// and must each be a power of two.
	MinBufSize int `json:"min_buf_size"`
	MaxBufSize int `json:"max_buf_size"`

	// WriteDelayMs is how long, in milliseconds, entry_open waits before
	// forcing a buffer switch even if the entry isn't full.
	WriteDelayMs int `json:"write_delay_ms"`

	// ReclaimDelayMs is the period, in milliseconds, of the background
	// reclaim_work loop.
	ReclaimDelayMs int `json:"reclaim_delay_ms"`

	// PinFifoSize is the compile-time-in-spirit size of the pin ring; small
	// by default here since this is a simulated, not production-scale,
	// journal.
	PinFifoSize int `json:"pin_fifo_size"`

	// MinJournalBuckets and MaxJournalBuckets bound devJournalAlloc's
	// clamp.
	MinJournalBuckets int `json:"min_journal_buckets"`
	MaxJournalBuckets int `json:"max_journal_buckets"`

	// BucketSize is the per-device journal bucket size in bytes, used by
	// devJournalAlloc's 512MB/bucket_size clamp.
	BucketSize int `json:"bucket_size"`

	// GlobalSweepThreshold is the bucket_journal_seq heuristic: when a
	// device's highest bucket seq exceeds this, reclaim performs a full
	// sweep instead of an incremental one. Purely a tuning knob.
	GlobalSweepThreshold uint64 `json:"global_sweep_threshold"`
}

// DefaultConfig returns the journal's default tunables.
func DefaultConfig() Config {
	return Config{
		MinBufSize:           256 * 1024,
		MaxBufSize:           4 * 1024 * 1024,
		WriteDelayMs:         1000,
		ReclaimDelayMs:       100,
		PinFifoSize:          1024,
		MinJournalBuckets:    8,
		MaxJournalBuckets:    1024,
		BucketSize:           512 * 1024,
		GlobalSweepThreshold: 1 << 14,
	}
}

func (c Config) writeDelay() time.Duration  { return time.Duration(c.WriteDelayMs) * time.Millisecond }
func (c Config) reclaimDelay() time.Duration {
	return time.Duration(c.ReclaimDelayMs) * time.Millisecond
}

func (c Config) validate() error {
	if c.MinBufSize <= 0 || c.MaxBufSize < c.MinBufSize {
		return fmt.Errorf("%w: min_buf_size/max_buf_size", ErrConfigInvalid)
	}

	if c.MinBufSize&(c.MinBufSize-1) != 0 || c.MaxBufSize&(c.MaxBufSize-1) != 0 {
		return fmt.Errorf("%w: buffer sizes must be powers of two", ErrConfigInvalid)
	}

	if c.PinFifoSize <= 0 {
		return fmt.Errorf("%w: pin_fifo_size must be positive", ErrConfigInvalid)
	}

	if c.MinJournalBuckets <= 0 || c.MaxJournalBuckets < c.MinJournalBuckets {
		return fmt.Errorf("%w: min_journal_buckets/max_journal_buckets", ErrConfigInvalid)
	}

	if c.BucketSize <= 0 {
		return fmt.Errorf("%w: bucket_size must be positive", ErrConfigInvalid)
	}

	return nil
}

// LoadConfig reads a JSONC (JSON-with-comments) config file:
// hujson.Standardize trims comments/trailing commas before json.Unmarshal.
// Missing fields keep their DefaultConfig value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
