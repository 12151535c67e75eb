package bench

import (
	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/phuslu/log"
)

type badgerBackend struct {
	db *badger.DB
}

// badgerLogger routes Badger's log output through a phuslu logger.
type badgerLogger struct {
	logger *log.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Str("backend", "badger").Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Str("backend", "badger").Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Str("backend", "badger").Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Str("backend", "badger").Msgf(format, args...)
}

// OpenBadger opens a Badger database in dir.
func OpenBadger(dir string, opts Options) (KV, error) {
	bopts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR).
		WithCompression(options.None).
		WithMemTableSize(4 << 20).
		WithValueThreshold(1024).
		WithSyncWrites(opts.Sync)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(badgerLogger{logger: opts.Logger})
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) Name() string { return "badger" }

func (b *badgerBackend) Set(key, value string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

func (b *badgerBackend) Get(key string) (string, bool, error) {
	var result string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			result = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

func (b *badgerBackend) Remove(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.Wrapf(ErrKeyNotFound, "remove %q", key)
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

// Compact flattens the LSM tree and runs value log GC until nothing is left to
// rewrite.
func (b *badgerBackend) Compact() error {
	if err := b.db.Flatten(1); err != nil {
		return err
	}
	for {
		err := b.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}
