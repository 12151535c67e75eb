package bench

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/v2"
)

type pebbleBackend struct {
	db    *pebble.DB
	write *pebble.WriteOptions
}

// OpenPebble opens a Pebble database in dir.
func OpenPebble(dir string, opts Options) (KV, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize: 4 << 20,
		BytesPerSync: 1 << 20,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}

	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}
	return &pebbleBackend{db: db, write: write}, nil
}

func (b *pebbleBackend) Name() string { return "pebble" }

func (b *pebbleBackend) Set(key, value string) error {
	return b.db.Set([]byte(key), []byte(value), b.write)
}

func (b *pebbleBackend) Get(key string) (string, bool, error) {
	value, closer, err := b.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(value), true, nil
}

func (b *pebbleBackend) Remove(key string) error {
	if _, found, err := b.Get(key); err != nil {
		return err
	} else if !found {
		return errors.Wrapf(ErrKeyNotFound, "remove %q", key)
	}
	return b.db.Delete([]byte(key), b.write)
}

// Compact flushes the memtable; Pebble schedules compactions itself.
func (b *pebbleBackend) Compact() error {
	return b.db.Flush()
}

func (b *pebbleBackend) Close() error {
	return b.db.Close()
}
