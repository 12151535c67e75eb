package storage

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	manifestFileName = "MANIFEST"
	manifestTmpName  = "MANIFEST.tmp"
)

const (
	fieldSegmentID protowire.Number = 1
	fieldFileName  protowire.Number = 2
)

// ManifestEntry names one live segment. The MANIFEST lists entries in creation
// order, which is also replay order.
type ManifestEntry struct {
	SegmentID uint64
	FileName  string
}

// loadManifest reads the MANIFEST in dir. The boolean is false when no MANIFEST
// exists.
func loadManifest(dir string) ([]ManifestEntry, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, ioError(err, "read manifest")
	}

	entries, err := decodeManifest(data)
	if err != nil {
		return nil, true, err
	}
	return entries, true, nil
}

func decodeManifest(data []byte) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for offset := 0; offset < len(data); {
		if len(data)-offset < frameHeaderSize {
			return nil, errors.Wrapf(ErrCorruptManifest, "offset %d: short header", offset)
		}
		header := data[offset : offset+frameHeaderSize]
		_, length := parseFrameHeader(header)
		end := offset + frameHeaderSize + int(length)
		if int(length) > len(data) || end > len(data) {
			return nil, errors.Wrapf(ErrCorruptManifest, "offset %d: short entry", offset)
		}
		payload := data[offset+frameHeaderSize : end]
		if !checkFrame(header, payload) {
			return nil, errors.Wrapf(ErrCorruptManifest, "offset %d: checksum mismatch", offset)
		}

		entry, err := decodeManifestEntry(payload)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "manifest offset %d", offset), ErrCorruptManifest)
		}
		if n := len(entries); n > 0 && entry.SegmentID <= entries[n-1].SegmentID {
			return nil, errors.Wrapf(ErrCorruptManifest, "segment %d listed out of order", entry.SegmentID)
		}
		if filepath.Base(entry.FileName) != entry.FileName {
			return nil, errors.Wrapf(ErrCorruptManifest, "segment %d: file name %q is not relative", entry.SegmentID, entry.FileName)
		}
		entries = append(entries, entry)
		offset = end
	}
	return entries, nil
}

func encodeManifestEntry(e ManifestEntry) []byte {
	buf := make([]byte, 0, 16+len(e.FileName))
	buf = protowire.AppendTag(buf, fieldSegmentID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.SegmentID)
	buf = protowire.AppendTag(buf, fieldFileName, protowire.BytesType)
	buf = protowire.AppendString(buf, e.FileName)
	return buf
}

func decodeManifestEntry(b []byte) (ManifestEntry, error) {
	id, b, err := consumeVarintField(b, fieldSegmentID)
	if err != nil {
		return ManifestEntry{}, err
	}
	name, b, err := consumeBytesField(b, fieldFileName)
	if err != nil {
		return ManifestEntry{}, err
	}
	if len(b) != 0 {
		return ManifestEntry{}, errors.Wrap(errMalformedPayload, "trailing bytes after manifest entry")
	}
	return ManifestEntry{SegmentID: id, FileName: string(name)}, nil
}

// writeManifest replaces the MANIFEST with entries. The new content is fsynced
// and renamed into place, and the directory is fsynced, before this returns, so
// a crash leaves either the old or the new MANIFEST.
func writeManifest(dir string, entries []ManifestEntry) error {
	var data []byte
	for _, e := range entries {
		frame, err := encodeFrame(encodeManifestEntry(e))
		if err != nil {
			return err
		}
		data = append(data, frame...)
	}

	tmpPath := filepath.Join(dir, manifestTmpName)
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ioError(err, "create manifest")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ioError(err, "write manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ioError(err, "sync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return ioError(err, "close manifest")
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, manifestFileName)); err != nil {
		os.Remove(tmpPath)
		return ioError(err, "install manifest")
	}
	return syncDir(dir)
}

// syncDir fsyncs a directory so renames and unlinks in it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioError(err, "open directory %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioError(err, "sync directory %s", dir)
	}
	return nil
}
