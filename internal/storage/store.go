package storage

import (
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/phuslu/log"

	"github.com/matteso1/kvs/internal/metrics"
)

// Store is the key-value engine. It coordinates the archive of segments, the
// in-memory index and compaction.
type Store struct {
	// Archive of segment files
	archive *Archive
	// Key -> location of latest Set
	index *Index
	// Rewrites live records and retires old segments
	compactor *Compactor
	// Advisory lock on the data directory
	lock *dirLock

	config  Config
	dataDir string
	logger  *log.Logger
	metrics *metrics.Metrics

	// Synchronization: Get takes the read side, everything else the write side
	mu     sync.RWMutex
	closed bool

	compactions        int
	compactionFailures int
}

// Open creates or opens a store at the given directory. The directory is
// locked until Close.
func Open(dataDir string, config Config) (*Store, error) {
	config.Normalize()

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, ioError(err, "create data directory")
	}

	lock, err := lockDir(dataDir)
	if err != nil {
		return nil, err
	}

	archive, err := OpenArchive(dataDir, config)
	if err != nil {
		lock.release()
		return nil, errors.Wrap(err, "open archive")
	}

	index, err := BuildIndex(archive)
	if err != nil {
		archive.Close()
		lock.release()
		return nil, errors.Wrap(err, "rebuild index")
	}

	s := &Store{
		archive:   archive,
		index:     index,
		compactor: newCompactor(archive, index, config),
		lock:      lock,
		config:    config,
		dataDir:   dataDir,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
	s.updateGauges()

	s.logger.Info().
		Str("dir", dataDir).
		Int("keys", index.Len()).
		Int("segments", len(archive.Segments())).
		Msg("store opened")
	return s, nil
}

// Set inserts or updates a key-value pair. The index is only updated once the
// record is appended.
func (s *Store) Set(key, value string) error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	loc, err := s.archive.AppendCommand(SetCommand{Key: key, Value: value})
	if err != nil {
		s.metrics.RecordError()
		return errors.Wrapf(err, "set %q", key)
	}
	s.index.Set(key, loc)
	s.metrics.RecordSet(loc.Length, time.Since(start))

	s.maybeCompact()
	return nil
}

// Get retrieves the value for a key. The boolean is false when the key is
// absent; that is not an error.
func (s *Store) Get(key string) (string, bool, error) {
	start := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrClosed
	}

	loc, ok := s.index.Get(key)
	if !ok {
		s.metrics.RecordGet(false, time.Since(start))
		return "", false, nil
	}

	cmd, err := s.archive.Read(loc)
	if err != nil {
		s.metrics.RecordError()
		return "", false, errors.Wrapf(err, "get %q", key)
	}
	set, ok := cmd.(SetCommand)
	if !ok {
		s.metrics.RecordError()
		return "", false, corruptError(loc.SegmentID, loc.Offset, "indexed record is not a set")
	}

	s.metrics.RecordGet(true, time.Since(start))
	return set.Value, true, nil
}

// Remove deletes a key. Removing an absent key fails with ErrKeyNotFound.
func (s *Store) Remove(key string) error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, ok := s.index.Get(key); !ok {
		return errors.Wrapf(ErrKeyNotFound, "remove %q", key)
	}

	loc, err := s.archive.AppendCommand(RemoveCommand{Key: key})
	if err != nil {
		s.metrics.RecordError()
		return errors.Wrapf(err, "remove %q", key)
	}
	s.index.Delete(key)
	s.metrics.RecordRemove(loc.Length, time.Since(start))

	s.maybeCompact()
	return nil
}

// Compact runs a compaction now, regardless of thresholds.
func (s *Store) Compact() (CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CompactionResult{}, ErrClosed
	}

	result, err := s.compactor.Run()
	if err != nil {
		s.compactionFailures++
		s.metrics.RecordError()
		return CompactionResult{}, errors.Wrap(err, "compact")
	}
	s.compactions++
	s.updateGauges()
	return result, nil
}

// maybeCompact runs compaction when the trigger policy says so. A failure is
// logged and left for the next trigger; the write that got here is already
// durable. Caller holds mu.
func (s *Store) maybeCompact() {
	if !s.compactor.ShouldCompact() {
		s.updateGauges()
		return
	}

	if _, err := s.compactor.Run(); err != nil {
		s.compactionFailures++
		s.logger.Error().Err(err).Str("dir", s.dataDir).Msg("auto-compaction failed")
	} else {
		s.compactions++
	}
	s.updateGauges()
}

func (s *Store) updateGauges() {
	s.metrics.SetDiskBytes(s.archive.TotalBytes())
	s.metrics.SetLiveKeys(s.index.Len())
}

// Close flushes and closes every segment and releases the directory lock.
// Calling Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.archive.Close()
	err = errors.CombineErrors(err, s.lock.release())

	s.logger.Info().Str("dir", s.dataDir).Msg("store closed")
	return err
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dataDir
}

// Stats returns current statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return StoreStats{}
	}

	disk := s.archive.TotalBytes()
	live := s.index.LiveBytes()
	return StoreStats{
		Keys:               s.index.Len(),
		Segments:           len(s.archive.Segments()),
		ActiveSegment:      s.archive.Active().ID(),
		DiskBytes:          disk,
		LiveBytes:          live,
		StaleBytes:         disk - live,
		Compactions:        s.compactions,
		CompactionFailures: s.compactionFailures,
	}
}

// StoreStats contains runtime statistics.
type StoreStats struct {
	Keys               int
	Segments           int
	ActiveSegment      uint64
	DiskBytes          int64
	LiveBytes          int64
	StaleBytes         int64
	Compactions        int
	CompactionFailures int
}
