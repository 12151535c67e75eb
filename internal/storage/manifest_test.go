package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestManifest_WriteAndLoad(t *testing.T) {
	dir := t.TempDir()

	if _, found, err := loadManifest(dir); err != nil || found {
		t.Fatalf("expected no manifest, got found=%v err=%v", found, err)
	}

	entries := []ManifestEntry{
		{SegmentID: 1, FileName: segmentFileName(1)},
		{SegmentID: 4, FileName: segmentFileName(4)},
		{SegmentID: 300, FileName: segmentFileName(300)},
	}
	if err := writeManifest(dir, entries); err != nil {
		t.Fatal(err)
	}

	loaded, found, err := loadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected manifest to exist")
	}
	if len(loaded) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(loaded))
	}
	for i := range entries {
		if loaded[i] != entries[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, entries[i], loaded[i])
		}
	}

	if _, err := os.Stat(filepath.Join(dir, manifestTmpName)); !os.IsNotExist(err) {
		t.Error("expected temporary manifest to be renamed away")
	}
}

func TestManifest_Rewrite(t *testing.T) {
	dir := t.TempDir()

	writeManifest(dir, []ManifestEntry{{SegmentID: 1, FileName: segmentFileName(1)}, {SegmentID: 2, FileName: segmentFileName(2)}})
	if err := writeManifest(dir, []ManifestEntry{{SegmentID: 3, FileName: segmentFileName(3)}}); err != nil {
		t.Fatal(err)
	}

	loaded, _, err := loadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].SegmentID != 3 {
		t.Errorf("expected only segment 3, got %+v", loaded)
	}
}

func TestManifest_Corrupt(t *testing.T) {
	valid := func() []byte {
		dir := t.TempDir()
		writeManifest(dir, []ManifestEntry{{SegmentID: 1, FileName: segmentFileName(1)}, {SegmentID: 2, FileName: segmentFileName(2)}})
		data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	flipped := valid()
	flipped[len(flipped)-1] ^= 0xFF

	var outOfOrder []byte
	for _, id := range []uint64{2, 1} {
		frame, _ := encodeFrame(encodeManifestEntry(ManifestEntry{SegmentID: id, FileName: segmentFileName(id)}))
		outOfOrder = append(outOfOrder, frame...)
	}

	nested, _ := encodeFrame(encodeManifestEntry(ManifestEntry{SegmentID: 1, FileName: "../segment-000001.log"}))

	cases := map[string][]byte{
		"truncated":    valid()[:len(valid())-3],
		"short header": valid()[:4],
		"checksum":     flipped,
		"out of order": outOfOrder,
		"nested path":  nested,
	}

	for name, data := range cases {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, manifestFileName), data, 0644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := loadManifest(dir); !errors.Is(err, ErrCorruptManifest) {
			t.Errorf("%s: expected ErrCorruptManifest, got %v", name, err)
		}
	}
}
