// Package local provides the on-device key-value storage that holds the
// learner's progress between runs. The durable implementation is an
// embedded BadgerDB; Memory is used for ephemeral sessions and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Errors returned by the local stores.
var (
	ErrStoreClosed  = errors.New("local: store is closed")
	ErrPathRequired = errors.New("local: path is required for persistent storage")
	ErrEmptyKey     = errors.New("local: key is empty")
)

// Config holds configuration for the Badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the discardable share that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives Badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// DefaultConfig returns defaults for a persistent store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Badger is a string key-value store on BadgerDB.
type Badger struct {
	db     *badger.DB
	cfg    Config
	closed bool
	mu     sync.RWMutex
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the store described by cfg.
func Open(cfg Config) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("local: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("local: open badger: %w", err)
	}

	b := &Badger{db: db, cfg: cfg}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.gcLoop()
	}
	return b, nil
}

// OpenInMemory opens an in-memory Badger store.
func OpenInMemory() (*Badger, error) {
	return Open(InMemoryConfig())
}

func (b *Badger) gcLoop() {
	defer close(b.gcDone)
	ticker := time.NewTicker(b.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing was collected.
			for b.db.RunValueLogGC(b.cfg.GCDiscardRatio) == nil {
			}
		}
	}
}

// Get returns the value at key and whether it exists.
func (b *Badger) Get(key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", false, ErrStoreClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("local: get %s: %w", key, err)
	}
	return string(value), true, nil
}

// Set writes a single key.
func (b *Badger) Set(key, value string) error {
	return b.SetMany(map[string]string{key: value})
}

// SetMany writes all pairs in one transaction.
func (b *Badger) SetMany(pairs map[string]string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		for k, v := range pairs {
			if k == "" {
				return ErrEmptyKey
			}
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("local: write %d keys: %w", len(pairs), err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (b *Badger) DeletePrefix(prefix string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	if prefix == "" {
		return ErrEmptyKey
	}
	// A namespace holds a handful of keys, so one transaction is enough.
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("local: delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Keys lists keys under prefix in lexical order.
func (b *Badger) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: list %s: %w", prefix, err)
	}
	return keys, nil
}

// Ping reports whether the store is open.
func (b *Badger) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.db.IsClosed() {
		return ErrStoreClosed
	}
	return nil
}

// Close stops GC and closes the database. It is safe to call twice.
func (b *Badger) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("local: close badger: %w", err)
	}
	return nil
}
