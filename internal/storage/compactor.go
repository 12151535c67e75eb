package storage

import (
	"time"

	"github.com/phuslu/log"

	"github.com/matteso1/kvs/internal/metrics"
)

// CompactionResult describes one compaction run.
type CompactionResult struct {
	LiveKeys        int
	SegmentsWritten int
	SegmentsRetired int
	BytesBefore     int64
	BytesAfter      int64
	Duration        time.Duration
}

// Reclaimed returns the number of bytes the run freed.
func (r CompactionResult) Reclaimed() int64 {
	return r.BytesBefore - r.BytesAfter
}

// Compactor rewrites the live records of an archive into fresh segments and
// retires everything older.
//
// A run proceeds in a fixed order:
//  1. seal the writable segment and snapshot the index
//  2. copy every live Set into new segments, then sync them
//  3. create a new writable segment with a higher id than the copies
//  4. commit one MANIFEST that lists the copies and the new writable segment
//     in place of every previous segment
//  5. repoint the index, then delete the retired files
//
// A crash before step 4 leaves unlisted files that the next open sweeps. A
// crash after it leaves retired files that are likewise swept.
type Compactor struct {
	archive *Archive
	index   *Index
	config  Config
	logger  *log.Logger
	metrics *metrics.Metrics
}

func newCompactor(a *Archive, idx *Index, config Config) *Compactor {
	return &Compactor{
		archive: a,
		index:   idx,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
}

// StaleBytes returns the bytes held by records the index no longer points at.
func (c *Compactor) StaleBytes() int64 {
	return c.archive.TotalBytes() - c.index.LiveBytes()
}

// ShouldCompact reports whether sealed segments have outgrown the configured
// threshold with enough of them stale to be worth rewriting.
func (c *Compactor) ShouldCompact() bool {
	sealed := c.archive.SealedBytes()
	if sealed <= c.config.CompactionThreshold {
		return false
	}
	stale := c.StaleBytes()
	return stale > 0 && float64(stale) >= c.config.CompactionMinStaleRatio*float64(sealed)
}

// Run compacts the archive. On error the archive and index are left as they
// were and any partially written output is removed.
func (c *Compactor) Run() (CompactionResult, error) {
	start := time.Now()
	before := c.archive.TotalBytes()

	segs := c.archive.Segments()
	if len(segs) == 1 && segs[0].Size() == 0 {
		return CompactionResult{BytesBefore: before, BytesAfter: before}, nil
	}

	retire := make([]uint64, 0, len(segs))
	for _, seg := range segs {
		retire = append(retire, seg.ID())
	}

	active := c.archive.Active()
	if err := active.Seal(); err != nil {
		return CompactionResult{}, c.abort(err, nil, nil)
	}

	snapshot := c.index.Snapshot()
	c.logger.Info().Int("live_keys", len(snapshot)).Int("segments", len(segs)).Int64("bytes", before).Msg("compaction started")

	var outputs []*Segment
	var out *Segment
	moved := make([]IndexEntry, 0, len(snapshot))
	for _, e := range snapshot {
		cmd, err := c.archive.Read(e.Location)
		if err != nil {
			return CompactionResult{}, c.abort(err, active, outputs)
		}
		set, ok := cmd.(SetCommand)
		if !ok {
			err := corruptError(e.Location.SegmentID, e.Location.Offset, "indexed record is not a set")
			return CompactionResult{}, c.abort(err, active, outputs)
		}
		frame, err := encodeCommandFrame(set)
		if err != nil {
			return CompactionResult{}, c.abort(err, active, outputs)
		}

		if out == nil || (out.Size() > 0 && out.Size()+int64(len(frame)) > c.config.MaxSegmentBytes) {
			if out != nil {
				if err := c.finishOutput(out); err != nil {
					return CompactionResult{}, c.abort(err, active, outputs)
				}
			}
			out, err = c.archive.allocateSegment()
			if err != nil {
				return CompactionResult{}, c.abort(err, active, outputs)
			}
			outputs = append(outputs, out)
		}

		loc, err := out.appendFrame(frame)
		if err != nil {
			return CompactionResult{}, c.abort(err, active, outputs)
		}
		moved = append(moved, IndexEntry{Key: e.Key, Location: loc})
	}
	if out != nil {
		if err := c.finishOutput(out); err != nil {
			return CompactionResult{}, c.abort(err, active, outputs)
		}
	}

	writable, err := c.archive.allocateSegment()
	if err != nil {
		return CompactionResult{}, c.abort(err, active, outputs)
	}
	retired, err := c.archive.commit(outputs, writable, retire)
	if err != nil {
		return CompactionResult{}, c.abort(err, active, append(outputs, writable))
	}

	for _, e := range moved {
		c.index.Set(e.Key, e.Location)
	}
	c.archive.removeSegments(retired)

	result := CompactionResult{
		LiveKeys:        len(moved),
		SegmentsWritten: len(outputs),
		SegmentsRetired: len(retired),
		BytesBefore:     before,
		BytesAfter:      c.archive.TotalBytes(),
		Duration:        time.Since(start),
	}
	c.logger.Info().
		Int("live_keys", result.LiveKeys).
		Int("segments_retired", result.SegmentsRetired).
		Int64("reclaimed_bytes", result.Reclaimed()).
		Dur("duration", result.Duration).
		Msg("compaction finished")
	c.metrics.RecordCompaction(result.Reclaimed(), result.Duration)
	return result, nil
}

// finishOutput syncs and seals a compaction output. Outputs are synced in every
// SyncMode.
func (c *Compactor) finishOutput(seg *Segment) error {
	if err := seg.Sync(); err != nil {
		return err
	}
	seg.sealed = true
	return nil
}

// abort undoes a failed run: outputs are deleted and the previously writable
// segment accepts appends again.
func (c *Compactor) abort(err error, active *Segment, outputs []*Segment) error {
	for _, seg := range outputs {
		if rerr := seg.remove(); rerr != nil {
			c.logger.Warn().Uint64("segment_id", seg.ID()).Err(rerr).Msg("failed to remove compaction output")
		}
	}
	if active != nil {
		active.sealed = false
	}
	c.metrics.RecordCompactionFailure()
	return err
}
