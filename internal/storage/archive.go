package storage

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/phuslu/log"
)

// Archive owns the ordered set of segments and the MANIFEST that lists them.
// Exactly one segment, the one with the highest id, is writable.
//
// Archive is not safe for concurrent use; Store serializes access to it.
type Archive struct {
	dir      string
	config   Config
	logger   *log.Logger
	segments map[uint64]*Segment
	order    []uint64
	active   *Segment
	nextID   uint64
}

// OpenArchive opens the archive in dir, creating the directory, the MANIFEST and
// a first segment as needed.
func OpenArchive(dir string, config Config) (*Archive, error) {
	config.Normalize()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioError(err, "create data directory")
	}

	a := &Archive{
		dir:      dir,
		config:   config,
		logger:   config.Logger,
		segments: make(map[uint64]*Segment),
		nextID:   1,
	}
	if err := a.load(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) load() error {
	entries, found, err := loadManifest(a.dir)
	if err != nil {
		return err
	}
	onDisk, err := a.scanSegmentFiles()
	if err != nil {
		return err
	}

	if !found {
		for _, id := range sortedIDs(onDisk) {
			entries = append(entries, ManifestEntry{SegmentID: id, FileName: onDisk[id]})
		}
		if len(entries) > 0 {
			a.logger.Warn().Int("segments", len(entries)).Msg("no MANIFEST, adopting segment files")
		}
	}

	listed := make(map[uint64]bool, len(entries))
	for _, e := range entries {
		seg, err := openSegment(a.dir, e.FileName, e.SegmentID, a.config.SyncMode)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errors.Mark(err, ErrCorruptManifest)
			}
			return err
		}
		a.segments[e.SegmentID] = seg
		a.order = append(a.order, e.SegmentID)
		listed[e.SegmentID] = true
		if e.SegmentID >= a.nextID {
			a.nextID = e.SegmentID + 1
		}
	}

	// Files the MANIFEST does not list belong to a compaction that never
	// committed or to a retirement that never finished deleting.
	for _, id := range sortedIDs(onDisk) {
		if listed[id] {
			continue
		}
		if id >= a.nextID {
			a.nextID = id + 1
		}
		if err := os.Remove(filepath.Join(a.dir, onDisk[id])); err != nil {
			a.logger.Warn().Uint64("segment_id", id).Err(err).Msg("failed to remove orphan segment")
			continue
		}
		a.logger.Warn().Uint64("segment_id", id).Msg("removed orphan segment")
	}
	os.Remove(filepath.Join(a.dir, manifestTmpName))

	dirty := !found
	if len(a.order) == 0 {
		seg, err := createSegment(a.dir, a.nextID, a.config.SyncMode)
		if err != nil {
			return err
		}
		a.segments[seg.id] = seg
		a.order = append(a.order, seg.id)
		a.nextID++
		dirty = true
	}

	for _, id := range a.order[:len(a.order)-1] {
		a.segments[id].sealed = true
	}
	a.active = a.segments[a.order[len(a.order)-1]]

	if dirty {
		if err := writeManifest(a.dir, a.manifestEntries()); err != nil {
			return err
		}
	}
	a.config.Metrics.SetSegments(len(a.order))
	return nil
}

// scanSegmentFiles maps segment ids to file names found in the directory.
func (a *Archive) scanSegmentFiles() (map[uint64]string, error) {
	dirEntries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, ioError(err, "read data directory")
	}

	files := make(map[uint64]string)
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentFileName(e.Name()); ok {
			files[id] = e.Name()
		}
	}
	return files, nil
}

func sortedIDs(files map[uint64]string) []uint64 {
	ids := make([]uint64, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *Archive) manifestEntries() []ManifestEntry {
	entries := make([]ManifestEntry, 0, len(a.order))
	for _, id := range a.order {
		entries = append(entries, ManifestEntry{SegmentID: id, FileName: segmentFileName(id)})
	}
	return entries
}

// AppendCommand appends cmd to the writable segment, first rolling over to a
// new segment if the record would push the writable one past MaxSegmentBytes.
// The returned location names the segment that holds the record.
func (a *Archive) AppendCommand(cmd Command) (Location, error) {
	frame, err := encodeCommandFrame(cmd)
	if err != nil {
		return Location{}, err
	}

	if a.active.Size() > 0 && a.active.Size()+int64(len(frame)) > a.config.MaxSegmentBytes {
		if err := a.rollover(); err != nil {
			return Location{}, err
		}
	}
	return a.active.appendFrame(frame)
}

// rollover seals the writable segment and makes a new, empty one writable.
func (a *Archive) rollover() error {
	prev := a.active
	if err := prev.Seal(); err != nil {
		return err
	}

	seg, err := createSegment(a.dir, a.nextID, a.config.SyncMode)
	if err != nil {
		prev.sealed = false
		return err
	}
	a.nextID++

	entries := append(a.manifestEntries(), ManifestEntry{SegmentID: seg.id, FileName: segmentFileName(seg.id)})
	if err := writeManifest(a.dir, entries); err != nil {
		seg.remove()
		prev.sealed = false
		return err
	}

	a.segments[seg.id] = seg
	a.order = append(a.order, seg.id)
	a.active = seg

	a.logger.Debug().Uint64("sealed", prev.id).Uint64("active", seg.id).Int64("sealed_bytes", prev.Size()).Msg("segment rollover")
	a.config.Metrics.RecordRollover()
	a.config.Metrics.SetSegments(len(a.order))
	return nil
}

// Read decodes the command stored at loc.
func (a *Archive) Read(loc Location) (Command, error) {
	seg, ok := a.segments[loc.SegmentID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSegment, "segment %d", loc.SegmentID)
	}
	return seg.ReadAt(loc.Offset)
}

// Segments returns the live segments in creation order.
func (a *Archive) Segments() []*Segment {
	segs := make([]*Segment, 0, len(a.order))
	for _, id := range a.order {
		segs = append(segs, a.segments[id])
	}
	return segs
}

// Active returns the writable segment.
func (a *Archive) Active() *Segment {
	return a.active
}

// TotalBytes returns the size of all live segments.
func (a *Archive) TotalBytes() int64 {
	var total int64
	for _, seg := range a.segments {
		total += seg.Size()
	}
	return total
}

// SealedBytes returns the size of all sealed segments.
func (a *Archive) SealedBytes() int64 {
	return a.TotalBytes() - a.active.Size()
}

// Retire drops segments from the MANIFEST and then deletes their files. The
// writable segment cannot be retired.
func (a *Archive) Retire(ids []uint64) error {
	retired, err := a.commit(nil, nil, ids)
	if err != nil {
		return err
	}
	a.removeSegments(retired)
	return nil
}

// allocateSegment creates a segment file that the MANIFEST does not list yet.
// It becomes part of the archive only through commit.
func (a *Archive) allocateSegment() (*Segment, error) {
	seg, err := createSegment(a.dir, a.nextID, a.config.SyncMode)
	if err != nil {
		return nil, err
	}
	a.nextID++
	return seg, nil
}

// commit durably rewrites the MANIFEST to drop retire and append added followed
// by newActive, then applies the same change in memory. Retired segments are
// returned still open; their files are deleted by removeSegments. Nothing
// changes if the MANIFEST write fails.
func (a *Archive) commit(added []*Segment, newActive *Segment, retire []uint64) ([]*Segment, error) {
	drop := make(map[uint64]bool, len(retire))
	for _, id := range retire {
		if _, ok := a.segments[id]; !ok {
			return nil, errors.Wrapf(ErrUnknownSegment, "retire segment %d", id)
		}
		if id == a.active.id && newActive == nil {
			return nil, errors.Newf("cannot retire writable segment %d", id)
		}
		drop[id] = true
	}

	order := make([]uint64, 0, len(a.order)+len(added)+1)
	for _, id := range a.order {
		if !drop[id] {
			order = append(order, id)
		}
	}
	for _, seg := range added {
		order = append(order, seg.id)
	}
	if newActive != nil {
		order = append(order, newActive.id)
	}

	entries := make([]ManifestEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, ManifestEntry{SegmentID: id, FileName: segmentFileName(id)})
	}
	if err := writeManifest(a.dir, entries); err != nil {
		return nil, err
	}

	retired := make([]*Segment, 0, len(retire))
	for _, id := range retire {
		retired = append(retired, a.segments[id])
		delete(a.segments, id)
	}
	for _, seg := range added {
		seg.sealed = true
		a.segments[seg.id] = seg
	}
	if newActive != nil {
		a.segments[newActive.id] = newActive
		a.active = newActive
	}
	a.order = order

	a.config.Metrics.SetSegments(len(a.order))
	return retired, nil
}

// removeSegments deletes retired segment files. A file that cannot be deleted
// is swept as an orphan at the next open.
func (a *Archive) removeSegments(segs []*Segment) {
	for _, seg := range segs {
		if err := seg.remove(); err != nil {
			a.logger.Warn().Uint64("segment_id", seg.id).Err(err).Msg("failed to delete retired segment")
		}
	}
	if len(segs) > 0 {
		if err := syncDir(a.dir); err != nil {
			a.logger.Warn().Err(err).Msg("failed to sync data directory after retirement")
		}
	}
}

// Close closes every segment.
func (a *Archive) Close() error {
	var err error
	for _, id := range a.order {
		err = errors.CombineErrors(err, a.segments[id].Close())
	}
	a.segments = make(map[uint64]*Segment)
	a.order = nil
	return err
}
