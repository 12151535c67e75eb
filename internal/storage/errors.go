package storage

import "github.com/cockroachdb/errors"

var (
	// ErrKeyNotFound is returned when removing a key that is not in the index.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruptRecord is returned when bytes at a location cannot be decoded as a command.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrUnknownSegment is returned when a location names a segment the archive does not hold.
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrIO marks file-system failures (read, write, sync, seek, rename).
	ErrIO = errors.New("i/o failure")

	// ErrCorruptManifest is returned when the MANIFEST cannot be decoded or is inconsistent.
	ErrCorruptManifest = errors.New("corrupt manifest")

	// ErrRecordTooLarge is returned when an encoded command exceeds the frame size limit.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrSegmentSealed is returned when appending to a sealed segment.
	ErrSegmentSealed = errors.New("segment is sealed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrLocked is returned when another Store holds the directory.
	ErrLocked = errors.New("store directory is locked")
)

// ioError wraps a file-system error with context and marks it as ErrIO.
func ioError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// corruptError builds an ErrCorruptRecord failure for a segment offset.
func corruptError(segmentID uint64, offset int64, reason string) error {
	return errors.Wrapf(ErrCorruptRecord, "segment %d offset %d: %s", segmentID, offset, reason)
}
