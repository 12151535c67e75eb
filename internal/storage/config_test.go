package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	// Missing file yields defaults
	config, err := LoadConfig(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if config.MaxSegmentBytes != DefaultConfig().MaxSegmentBytes || config.SyncMode != SyncAlways {
		t.Errorf("expected defaults, got %+v", config)
	}

	path := filepath.Join(dir, "kvs.json")
	data := `{"max_segment_bytes": 4096, "compaction_threshold": -1, "sync_mode": "batch"}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	config, err = LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.MaxSegmentBytes != 4096 {
		t.Errorf("expected 4096 max segment bytes, got %d", config.MaxSegmentBytes)
	}
	if config.CompactionThreshold != DefaultConfig().CompactionThreshold {
		t.Errorf("expected invalid threshold to fall back to default, got %d", config.CompactionThreshold)
	}
	if config.SyncMode != SyncBatch {
		t.Errorf("expected batch sync mode, got %s", config.SyncMode)
	}
	if config.Logger == nil {
		t.Error("expected a default logger")
	}

	if err := os.WriteFile(path, []byte(`{"sync_mode": "sometimes"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown sync mode")
	}
}

func TestConfig_NormalizeStaleRatio(t *testing.T) {
	for _, ratio := range []float64{0, -0.5, 1.5} {
		config := Config{CompactionMinStaleRatio: ratio}
		config.Normalize()
		if config.CompactionMinStaleRatio != DefaultConfig().CompactionMinStaleRatio {
			t.Errorf("ratio %v: expected default, got %v", ratio, config.CompactionMinStaleRatio)
		}
	}

	config := Config{CompactionMinStaleRatio: 0.2}
	config.Normalize()
	if config.CompactionMinStaleRatio != 0.2 {
		t.Errorf("expected 0.2 to be kept, got %v", config.CompactionMinStaleRatio)
	}
}

func TestSyncMode_Text(t *testing.T) {
	for _, mode := range []SyncMode{SyncNone, SyncBatch, SyncAlways} {
		text, err := mode.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var parsed SyncMode
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatal(err)
		}
		if parsed != mode {
			t.Errorf("expected %s, got %s", mode, parsed)
		}
	}
}

func TestStore_SyncModes(t *testing.T) {
	for _, mode := range []SyncMode{SyncNone, SyncBatch, SyncAlways} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			config := testConfig()
			config.SyncMode = mode
			config.MaxSegmentBytes = 64

			s, err := Open(dir, config)
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 10; i++ {
				s.Set("key", string(rune('a'+i)))
			}
			if _, err := s.Compact(); err != nil {
				t.Fatal(err)
			}
			s.Set("other", "x")
			s.Close()

			s, err = Open(dir, config)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			expectValue(t, s, "key", "j")
			expectValue(t, s, "other", "x")
		})
	}
}
