package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"
)

// Segment is one append-only file of framed command records. A segment is
// writable until sealed; sealed segments are only read, and eventually retired
// by compaction.
//
// Appends are not safe for concurrent use. Reads use ReadAt and may run
// concurrently with each other.
type Segment struct {
	id       uint64
	path     string
	file     segmentFile
	size     int64
	sealed   bool
	syncMode SyncMode
}

// segmentFile is the part of *os.File a segment writes through.
type segmentFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, id, segmentSuffix)
}

// parseSegmentFileName returns the id encoded in a segment file name.
func parseSegmentFileName(name string) (uint64, bool) {
	var id uint64
	if _, err := fmt.Sscanf(name, segmentPrefix+"%d"+segmentSuffix, &id); err != nil {
		return 0, false
	}
	return id, segmentFileName(id) == name
}

// createSegment creates a new empty segment file. It fails if the file exists.
func createSegment(dir string, id uint64, syncMode SyncMode) (*Segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, ioError(err, "create segment %d", id)
	}
	return &Segment{
		id:       id,
		path:     path,
		file:     file,
		syncMode: syncMode,
	}, nil
}

// openSegment opens an existing segment file for reading and appending.
func openSegment(dir, name string, id uint64, syncMode SyncMode) (*Segment, error) {
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, ioError(err, "open segment %d", id)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ioError(err, "stat segment %d", id)
	}

	return &Segment{
		id:       id,
		path:     path,
		file:     file,
		size:     info.Size(),
		syncMode: syncMode,
	}, nil
}

// ID returns the segment id.
func (s *Segment) ID() uint64 {
	return s.id
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// Size returns the current file length in bytes.
func (s *Segment) Size() int64 {
	return s.size
}

// Sealed reports whether the segment is read-only.
func (s *Segment) Sealed() bool {
	return s.sealed
}

// Append writes a command to the end of the segment and returns its location.
func (s *Segment) Append(cmd Command) (Location, error) {
	frame, err := encodeCommandFrame(cmd)
	if err != nil {
		return Location{}, err
	}
	return s.appendFrame(frame)
}

func (s *Segment) appendFrame(frame []byte) (Location, error) {
	if s.sealed {
		return Location{}, errors.Wrapf(ErrSegmentSealed, "segment %d", s.id)
	}

	offset := s.size
	if _, err := s.file.WriteAt(frame, offset); err != nil {
		// Drop whatever part of the frame reached the file.
		if terr := s.file.Truncate(offset); terr != nil {
			err = errors.CombineErrors(err, terr)
		}
		return Location{}, ioError(err, "append to segment %d", s.id)
	}

	if s.syncMode == SyncAlways {
		if err := s.file.Sync(); err != nil {
			if terr := s.file.Truncate(offset); terr != nil {
				err = errors.CombineErrors(err, terr)
			}
			return Location{}, ioError(err, "sync segment %d", s.id)
		}
	}
	s.size += int64(len(frame))

	return Location{SegmentID: s.id, Offset: offset, Length: int64(len(frame))}, nil
}

// ReadAt decodes the record starting at offset.
func (s *Segment) ReadAt(offset int64) (Command, error) {
	if offset < 0 || offset+frameHeaderSize > s.size {
		return nil, corruptError(s.id, offset, "offset out of range")
	}

	header := make([]byte, frameHeaderSize)
	if _, err := s.file.ReadAt(header, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, corruptError(s.id, offset, "short header")
		}
		return nil, ioError(err, "read segment %d", s.id)
	}

	_, length := parseFrameHeader(header)
	if length > maxPayloadSize || offset+frameHeaderSize+int64(length) > s.size {
		return nil, corruptError(s.id, offset, "length exceeds segment")
	}

	payload := make([]byte, length)
	if _, err := s.file.ReadAt(payload, offset+frameHeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, corruptError(s.id, offset, "short payload")
		}
		return nil, ioError(err, "read segment %d", s.id)
	}

	if !checkFrame(header, payload) {
		return nil, corruptError(s.id, offset, "checksum mismatch")
	}

	cmd, err := decodeCommand(payload)
	if err != nil {
		return nil, corruptError(s.id, offset, err.Error())
	}
	return cmd, nil
}

// Sync flushes the segment to disk.
func (s *Segment) Sync() error {
	if err := s.file.Sync(); err != nil {
		return ioError(err, "sync segment %d", s.id)
	}
	return nil
}

// Seal marks the segment read-only, syncing it unless SyncNone is configured.
func (s *Segment) Seal() error {
	if s.sealed {
		return nil
	}
	if s.syncMode != SyncNone {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	s.sealed = true
	return nil
}

// truncate cuts the segment back to size bytes.
func (s *Segment) truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return ioError(err, "truncate segment %d", s.id)
	}
	s.size = size
	return s.Sync()
}

// Close closes the backing file.
func (s *Segment) Close() error {
	if s.syncMode == SyncBatch && !s.sealed {
		if err := s.file.Sync(); err != nil {
			s.file.Close()
			return ioError(err, "sync segment %d", s.id)
		}
	}
	if err := s.file.Close(); err != nil {
		return ioError(err, "close segment %d", s.id)
	}
	return nil
}

// remove closes and deletes the backing file.
func (s *Segment) remove() error {
	s.file.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioError(err, "remove segment %d", s.id)
	}
	return nil
}

// NewIterator returns an iterator over the records currently in the segment.
// It reads through its own file handle, so appends do not disturb it.
func (s *Segment) NewIterator() (*SegmentIterator, error) {
	return newSegmentIterator(s.id, s.path)
}
