package storage

import (
	"fmt"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
)

func newTestSegment(t *testing.T, id uint64) *Segment {
	t.Helper()
	seg, err := createSegment(t.TempDir(), id, SyncNone)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

// appendRaw writes bytes straight to the segment file, bypassing framing.
func appendRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
}

func scanAll(t *testing.T, seg *Segment) ([]LogEntry, *SegmentIterator) {
	t.Helper()
	it, err := seg.NewIterator()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { it.Close() })

	var entries []LogEntry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	return entries, it
}

func TestSegment_FileName(t *testing.T) {
	if name := segmentFileName(42); name != "segment-000042.log" {
		t.Errorf("expected segment-000042.log, got %s", name)
	}

	if id, ok := parseSegmentFileName("segment-000042.log"); !ok || id != 42 {
		t.Errorf("expected id 42, got %d ok=%v", id, ok)
	}

	for _, name := range []string{"segment-42.log", "segment-000042.log.tmp", "MANIFEST", "LOCK", "segment-.log"} {
		if _, ok := parseSegmentFileName(name); ok {
			t.Errorf("expected %q not to parse as a segment", name)
		}
	}
}

func TestSegment_AppendAndReadAt(t *testing.T) {
	seg := newTestSegment(t, 1)

	commands := []Command{
		SetCommand{Key: "a", Value: "1"},
		SetCommand{Key: "b", Value: "2"},
		RemoveCommand{Key: "a"},
	}

	var locs []Location
	var expectedOffset int64
	for _, cmd := range commands {
		loc, err := seg.Append(cmd)
		if err != nil {
			t.Fatal(err)
		}
		if loc.SegmentID != 1 || loc.Offset != expectedOffset {
			t.Errorf("expected location 1@%d, got %d@%d", expectedOffset, loc.SegmentID, loc.Offset)
		}
		expectedOffset = loc.End()
		locs = append(locs, loc)
	}

	if seg.Size() != expectedOffset {
		t.Errorf("expected size %d, got %d", expectedOffset, seg.Size())
	}

	for i, loc := range locs {
		cmd, err := seg.ReadAt(loc.Offset)
		if err != nil {
			t.Fatal(err)
		}
		if cmd != commands[i] {
			t.Errorf("expected %#v at offset %d, got %#v", commands[i], loc.Offset, cmd)
		}
	}

	if _, err := seg.ReadAt(seg.Size()); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord reading past end, got %v", err)
	}
	if _, err := seg.ReadAt(1); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord reading mid-record, got %v", err)
	}
}

// failingSyncFile writes through to the real file but refuses to sync.
type failingSyncFile struct {
	*os.File
}

func (f failingSyncFile) Sync() error {
	return errors.New("sync: input/output error")
}

func TestSegment_SyncFailureRollsBack(t *testing.T) {
	seg, err := createSegment(t.TempDir(), 1, SyncAlways)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	first, err := seg.Append(SetCommand{Key: "a", Value: "1"})
	if err != nil {
		t.Fatal(err)
	}

	file := seg.file.(*os.File)
	seg.file = failingSyncFile{File: file}
	if _, err := seg.Append(SetCommand{Key: "b", Value: "2"}); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO from failed sync, got %v", err)
	}

	if seg.Size() != first.End() {
		t.Errorf("expected size %d after failed append, got %d", first.End(), seg.Size())
	}
	info, err := os.Stat(seg.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != first.End() {
		t.Errorf("expected file size %d after failed append, got %d", first.End(), info.Size())
	}

	// The next append lands where the failed one started
	seg.file = file
	next, err := seg.Append(SetCommand{Key: "c", Value: "3"})
	if err != nil {
		t.Fatal(err)
	}
	if next.Offset != first.End() {
		t.Errorf("expected offset %d, got %d", first.End(), next.Offset)
	}

	entries, it := scanAll(t, seg)
	if it.Err() != nil || it.Torn() || len(entries) != 2 {
		t.Errorf("expected 2 clean entries, got %d torn=%v err=%v", len(entries), it.Torn(), it.Err())
	}
}

func TestSegment_Sealed(t *testing.T) {
	seg := newTestSegment(t, 1)

	if _, err := seg.Append(SetCommand{Key: "k", Value: "v"}); err != nil {
		t.Fatal(err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatal(err)
	}
	if !seg.Sealed() {
		t.Error("expected segment to be sealed")
	}

	if _, err := seg.Append(SetCommand{Key: "k", Value: "v2"}); !errors.Is(err, ErrSegmentSealed) {
		t.Errorf("expected ErrSegmentSealed, got %v", err)
	}

	// Sealed segments stay readable
	if cmd, err := seg.ReadAt(0); err != nil || cmd != (SetCommand{Key: "k", Value: "v"}) {
		t.Errorf("expected first record, got %#v err=%v", cmd, err)
	}
}

func TestSegmentIterator_Scan(t *testing.T) {
	seg := newTestSegment(t, 7)

	for i := 0; i < 100; i++ {
		if _, err := seg.Append(SetCommand{Key: fmt.Sprintf("key%03d", i), Value: fmt.Sprintf("value%03d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	entries, it := scanAll(t, seg)
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if it.Torn() {
		t.Error("expected clean end of scan")
	}
	if len(entries) != 100 {
		t.Fatalf("expected 100 entries, got %d", len(entries))
	}

	var offset int64
	for i, e := range entries {
		expected := SetCommand{Key: fmt.Sprintf("key%03d", i), Value: fmt.Sprintf("value%03d", i)}
		if e.Command != expected {
			t.Errorf("entry %d: expected %#v, got %#v", i, expected, e.Command)
		}
		if e.Location.SegmentID != 7 || e.Location.Offset != offset {
			t.Errorf("entry %d: expected 7@%d, got %d@%d", i, offset, e.Location.SegmentID, e.Location.Offset)
		}
		offset = e.Location.End()
	}
	if it.Offset() != seg.Size() {
		t.Errorf("expected iterator offset %d, got %d", seg.Size(), it.Offset())
	}
}

func TestSegmentIterator_Reset(t *testing.T) {
	seg := newTestSegment(t, 1)

	seg.Append(SetCommand{Key: "a", Value: "1"})
	seg.Append(SetCommand{Key: "b", Value: "2"})

	it, err := seg.NewIterator()
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	// Appends after the iterator was created are not visible until Reset
	seg.Append(SetCommand{Key: "c", Value: "3"})

	count := 0
	for it.Next() {
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 entries before reset, got %d", count)
	}

	if err := it.Reset(); err != nil {
		t.Fatal(err)
	}
	count = 0
	for it.Next() {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 entries after reset, got %d", count)
	}
}

func TestSegmentIterator_TornTail(t *testing.T) {
	frame, err := encodeCommandFrame(SetCommand{Key: "torn", Value: "tail"})
	if err != nil {
		t.Fatal(err)
	}

	// Every strict prefix of a frame is a torn tail, never a record or an error
	for cut := 1; cut < len(frame); cut++ {
		seg := newTestSegment(t, 1)
		seg.Append(SetCommand{Key: "a", Value: "1"})
		seg.Append(SetCommand{Key: "b", Value: "2"})
		validSize := seg.Size()

		appendRaw(t, seg.Path(), frame[:cut])

		entries, it := scanAll(t, seg)
		if err := it.Err(); err != nil {
			t.Fatalf("cut %d: unexpected error %v", cut, err)
		}
		if !it.Torn() {
			t.Errorf("cut %d: expected torn tail", cut)
		}
		if len(entries) != 2 {
			t.Errorf("cut %d: expected 2 entries, got %d", cut, len(entries))
		}
		if it.Offset() != validSize {
			t.Errorf("cut %d: expected offset %d, got %d", cut, validSize, it.Offset())
		}
	}
}

func TestSegmentIterator_BadChecksumAtTail(t *testing.T) {
	seg := newTestSegment(t, 1)
	seg.Append(SetCommand{Key: "a", Value: "1"})

	frame, _ := encodeCommandFrame(SetCommand{Key: "b", Value: "2"})
	frame[len(frame)-1] ^= 0xFF
	appendRaw(t, seg.Path(), frame)

	entries, it := scanAll(t, seg)
	if err := it.Err(); err != nil {
		t.Fatalf("expected torn tail, got %v", err)
	}
	if !it.Torn() || len(entries) != 1 {
		t.Errorf("expected 1 entry and a torn tail, got %d entries torn=%v", len(entries), it.Torn())
	}
}

func TestSegmentIterator_CorruptMiddle(t *testing.T) {
	seg := newTestSegment(t, 1)
	seg.Append(SetCommand{Key: "a", Value: "1"})
	loc, _ := seg.Append(SetCommand{Key: "b", Value: "2"})
	seg.Append(SetCommand{Key: "c", Value: "3"})

	// Flip the last payload byte of the middle record
	f, err := os.OpenFile(seg.Path(), os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 1)
	f.ReadAt(b, loc.End()-1)
	b[0] ^= 0xFF
	f.WriteAt(b, loc.End()-1)
	f.Close()

	entries, it := scanAll(t, seg)
	if !errors.Is(it.Err(), ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", it.Err())
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry before the corrupt record, got %d", len(entries))
	}

	if _, err := seg.ReadAt(loc.Offset); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord from ReadAt, got %v", err)
	}
}

func TestSegmentIterator_ZeroFilledTail(t *testing.T) {
	for _, n := range []int{9, 16, 4096, 100000} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			seg := newTestSegment(t, 1)
			loc, _ := seg.Append(SetCommand{Key: "a", Value: "1"})
			appendRaw(t, seg.Path(), make([]byte, n))

			entries, it := scanAll(t, seg)
			if err := it.Err(); err != nil {
				t.Fatalf("expected torn tail, got %v", err)
			}
			if !it.Torn() || len(entries) != 1 {
				t.Errorf("expected 1 entry and a torn tail, got %d entries torn=%v", len(entries), it.Torn())
			}
			if it.Offset() != loc.End() {
				t.Errorf("expected scan to stop at %d, got %d", loc.End(), it.Offset())
			}
		})
	}
}

func TestSegmentIterator_ZerosBeforeData(t *testing.T) {
	seg := newTestSegment(t, 1)
	seg.Append(SetCommand{Key: "a", Value: "1"})
	tail := make([]byte, 64)
	tail[40] = 7
	appendRaw(t, seg.Path(), tail)

	_, it := scanAll(t, seg)
	if !errors.Is(it.Err(), ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", it.Err())
	}
}

func TestSegment_Truncate(t *testing.T) {
	seg := newTestSegment(t, 1)
	loc, _ := seg.Append(SetCommand{Key: "a", Value: "1"})
	appendRaw(t, seg.Path(), []byte{1, 2, 3})

	if err := seg.truncate(loc.End()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(seg.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != loc.End() {
		t.Errorf("expected file size %d, got %d", loc.End(), info.Size())
	}

	next, err := seg.Append(SetCommand{Key: "b", Value: "2"})
	if err != nil {
		t.Fatal(err)
	}
	if next.Offset != loc.End() {
		t.Errorf("expected append at %d, got %d", loc.End(), next.Offset)
	}
}

func BenchmarkSegment_Append(b *testing.B) {
	seg, err := createSegment(b.TempDir(), 1, SyncNone)
	if err != nil {
		b.Fatal(err)
	}
	defer seg.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seg.Append(SetCommand{Key: fmt.Sprintf("key%010d", i), Value: fmt.Sprintf("value%010d", i)})
	}
}
