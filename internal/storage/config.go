package storage

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/phuslu/log"

	"github.com/matteso1/kvs/internal/metrics"
)

// SyncMode determines when segment writes are synced to disk.
type SyncMode int

const (
	// SyncNone - no explicit sync (fastest, least durable)
	SyncNone SyncMode = iota
	// SyncBatch - sync when a segment is sealed, compacted or closed
	SyncBatch
	// SyncAlways - fsync after every append (slowest, most durable)
	SyncAlways
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncAlways:
		return "always"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SyncMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "none":
		*m = SyncNone
	case "batch":
		*m = SyncBatch
	case "always", "":
		*m = SyncAlways
	default:
		return errors.Newf("unknown sync mode %q", text)
	}
	return nil
}

// Config configures the store.
type Config struct {
	// MaxSegmentBytes is the size a writable segment may reach before rollover.
	MaxSegmentBytes int64 `json:"max_segment_bytes"`
	// CompactionThreshold is the total size of sealed segments that triggers compaction.
	CompactionThreshold int64 `json:"compaction_threshold"`
	// CompactionMinStaleRatio is the fraction of sealed bytes that must be stale
	// before the threshold alone triggers compaction. Zero means the default.
	CompactionMinStaleRatio float64 `json:"compaction_min_stale_ratio"`
	// SyncMode determines when appends are fsynced.
	SyncMode SyncMode `json:"sync_mode"`

	// Logger receives engine events. Nil uses a stderr logger at warn level.
	Logger *log.Logger `json:"-"`
	// Metrics is optional.
	Metrics *metrics.Metrics `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSegmentBytes:         1 << 20, // 1MB
		CompactionThreshold:     4 << 20, // 4MB
		CompactionMinStaleRatio: 0.5,
		SyncMode:                SyncAlways,
	}
}

// Normalize replaces out-of-range values with defaults.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.MaxSegmentBytes <= frameHeaderSize {
		c.MaxSegmentBytes = d.MaxSegmentBytes
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = d.CompactionThreshold
	}
	if c.CompactionMinStaleRatio <= 0 || c.CompactionMinStaleRatio > 1 {
		c.CompactionMinStaleRatio = d.CompactionMinStaleRatio
	}
	switch c.SyncMode {
	case SyncNone, SyncBatch, SyncAlways:
	default:
		c.SyncMode = d.SyncMode
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

// LoadConfig reads a JSON config file over the defaults. A missing file yields
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, ioError(err, "read config %s", path)
	}

	if err := json.Unmarshal(b, &cfg); err != nil {
		return DefaultConfig(), errors.Wrapf(err, "parse config %s", path)
	}
	cfg.Normalize()
	return cfg, nil
}

func defaultLogger() *log.Logger {
	return &log.Logger{
		Level:  log.WarnLevel,
		Writer: &log.IOWriter{Writer: os.Stderr},
	}
}
