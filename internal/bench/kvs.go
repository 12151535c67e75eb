package bench

import (
	"github.com/matteso1/kvs/internal/storage"
)

type kvsBackend struct {
	store *storage.Store
}

// OpenKvs opens this engine with default settings.
func OpenKvs(dir string, opts Options) (KV, error) {
	config := storage.DefaultConfig()
	config.SyncMode = storage.SyncNone
	if opts.Sync {
		config.SyncMode = storage.SyncAlways
	}
	config.Logger = opts.Logger
	return OpenKvsWithConfig(dir, config)
}

// OpenKvsWithConfig opens this engine with an explicit config.
func OpenKvsWithConfig(dir string, config storage.Config) (KV, error) {
	store, err := storage.Open(dir, config)
	if err != nil {
		return nil, err
	}
	return &kvsBackend{store: store}, nil
}

func (b *kvsBackend) Name() string { return "kvs" }

func (b *kvsBackend) Set(key, value string) error {
	return b.store.Set(key, value)
}

func (b *kvsBackend) Get(key string) (string, bool, error) {
	return b.store.Get(key)
}

func (b *kvsBackend) Remove(key string) error {
	return b.store.Remove(key)
}

func (b *kvsBackend) Compact() error {
	_, err := b.store.Compact()
	return err
}

func (b *kvsBackend) Close() error {
	return b.store.Close()
}
