// Package storage implements a log-structured key-value storage engine.
//
// Every mutation is appended as one command record to the writable segment of an
// archive of numbered segment files. An in-memory index maps each live key to the
// location of its most recent Set record and is rebuilt at open time by replaying
// every segment in creation order. Compaction rewrites live keys into fresh segments
// and retires the old ones once the replacement is durable.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                            Store                                 │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Client → Archive.AppendCommand → Index.Set        │
//	│  Read Path:   Client → Index.Get → Archive.Read(Location)       │
//	│  Open:        MANIFEST → Segments → BuildIndex (replay)         │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Compaction:  snapshot Index → rewrite live keys → commit       │
//	│               MANIFEST → repoint Index → delete old segments    │
//	└─────────────────────────────────────────────────────────────────┘
//
// Key components:
//   - Segment: one append-only file of framed command records
//   - SegmentIterator: restartable sequential scan over a segment
//   - Archive: segment lifecycle, rollover and the MANIFEST
//   - Index: ordered key → Location map (skip list)
//   - Compactor: live-key rewrite and segment retirement
package storage
