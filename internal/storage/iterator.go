package storage

import (
	"bufio"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// LogEntry is a decoded record and where it was found.
type LogEntry struct {
	Command  Command
	Location Location
}

// SegmentIterator scans a segment from offset 0 to the end of the file as it was
// when the iterator was created or last reset.
//
// A trailing record that is incomplete, or complete but undecodable while being
// the very last bytes of the file, ends the scan without an error: that is what a
// crash in the middle of an append leaves behind. An undecodable record followed
// by more bytes is reported through Err as ErrCorruptRecord.
type SegmentIterator struct {
	segmentID uint64
	file      *os.File
	reader    *bufio.Reader
	header    [frameHeaderSize]byte
	offset    int64
	limit     int64
	entry     LogEntry
	torn      bool
	done      bool
	err       error
}

func newSegmentIterator(id uint64, path string) (*SegmentIterator, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ioError(err, "open segment %d for scan", id)
	}

	it := &SegmentIterator{
		segmentID: id,
		file:      file,
		reader:    bufio.NewReaderSize(nil, 64*1024), // 64KB buffer
	}
	if err := it.Reset(); err != nil {
		file.Close()
		return nil, err
	}
	return it, nil
}

// Reset rewinds the iterator to the start of the segment and picks up any
// records appended since the last scan.
func (it *SegmentIterator) Reset() error {
	if _, err := it.file.Seek(0, io.SeekStart); err != nil {
		return ioError(err, "seek segment %d", it.segmentID)
	}
	info, err := it.file.Stat()
	if err != nil {
		return ioError(err, "stat segment %d", it.segmentID)
	}

	it.limit = info.Size()
	it.reader.Reset(io.LimitReader(it.file, it.limit))
	it.offset = 0
	it.entry = LogEntry{}
	it.torn = false
	it.done = false
	it.err = nil
	return nil
}

// Next advances to the next record. Returns false when the scan is over; check
// Err to tell a clean end from a failure.
func (it *SegmentIterator) Next() bool {
	if it.done {
		return false
	}

	if _, err := io.ReadFull(it.reader, it.header[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
		case errors.Is(err, io.ErrUnexpectedEOF):
			it.torn = true
		default:
			it.err = ioError(err, "scan segment %d", it.segmentID)
		}
		it.done = true
		return false
	}

	_, length := parseFrameHeader(it.header[:])
	end := it.offset + frameHeaderSize + int64(length)
	if end > it.limit {
		it.torn = true
		it.done = true
		return false
	}
	if length > maxPayloadSize {
		return it.fail(end, "length exceeds limit")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(it.reader, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			it.torn = true
		} else {
			it.err = ioError(err, "scan segment %d", it.segmentID)
		}
		it.done = true
		return false
	}

	if !checkFrame(it.header[:], payload) {
		return it.fail(end, "checksum mismatch")
	}
	cmd, err := decodeCommand(payload)
	if err != nil {
		return it.fail(end, err.Error())
	}

	it.entry = LogEntry{
		Command:  cmd,
		Location: Location{SegmentID: it.segmentID, Offset: it.offset, Length: end - it.offset},
	}
	it.offset = end
	return true
}

// fail ends the scan on a bad record ending at end. A bad record followed only by
// zeros is a torn tail too: the file was extended but the data never landed.
func (it *SegmentIterator) fail(end int64, reason string) bool {
	it.done = true
	if end == it.limit {
		it.torn = true
		return false
	}

	zero, err := it.zeroFrom(end)
	switch {
	case err != nil:
		it.err = err
	case zero:
		it.torn = true
	default:
		it.err = corruptError(it.segmentID, it.offset, reason)
	}
	return false
}

// zeroFrom reports whether every byte from start to the limit is zero.
func (it *SegmentIterator) zeroFrom(start int64) (bool, error) {
	buf := make([]byte, 32*1024)
	for off := start; off < it.limit; {
		n := int64(len(buf))
		if rest := it.limit - off; rest < n {
			n = rest
		}
		if _, err := it.file.ReadAt(buf[:n], off); err != nil {
			return false, ioError(err, "scan segment %d", it.segmentID)
		}
		for _, b := range buf[:n] {
			if b != 0 {
				return false, nil
			}
		}
		off += n
	}
	return true, nil
}

// Entry returns the current record.
func (it *SegmentIterator) Entry() LogEntry {
	return it.entry
}

// Err returns the error that stopped the scan, if any.
func (it *SegmentIterator) Err() error {
	return it.err
}

// Offset returns the end of the last complete record read.
func (it *SegmentIterator) Offset() int64 {
	return it.offset
}

// Torn reports whether the scan stopped on an incomplete trailing record.
func (it *SegmentIterator) Torn() bool {
	return it.torn
}

// Close releases the iterator's file handle.
func (it *SegmentIterator) Close() error {
	return it.file.Close()
}
