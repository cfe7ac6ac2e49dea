package cache

import (
	"errors"
	"fmt"
	"path"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
)

// Persister stores and retrieves namespaced cache snapshots. Writes are
// last-writer-wins; exactly one reconciliation actor runs at a time.
type Persister interface {
	// Save replaces the snapshot stored under namespace.
	Save(namespace string, blob []byte) error
	// Load returns the snapshot stored under namespace, or nil when absent.
	Load(namespace string) ([]byte, error)
}

// BadgerPersister is a Persister backed by badgerdb.
type BadgerPersister struct {
	log  logger.Logger
	db   *badger.DB
	done chan struct{}
}

// NewBadgerPersister opens (or creates) a badger store under basePath and
// starts its value-log GC loop.
func NewBadgerPersister(basePath string, log logger.Logger) (*BadgerPersister, error) {
	log = log.Child("badger")
	opts := badger.
		DefaultOptions(path.Join(basePath, "badgerdbv4")).
		WithLogger(badgerLogger{log}).
		WithCompression(options.None).
		WithIndexCacheSize(16 << 20). // 16mb
		WithNumGoroutines(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", basePath, err)
	}
	p := &BadgerPersister{log: log, db: db, done: make(chan struct{})}
	go p.gcLoop()
	return p, nil
}

func (p *BadgerPersister) Save(namespace string, blob []byte) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(namespace), blob)
	})
}

func (p *BadgerPersister) Load(namespace string) ([]byte, error) {
	var blob []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(namespace))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			blob = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %q: %w", namespace, err)
	}
	return blob, nil
}

// Close stops the GC loop and closes the underlying store.
func (p *BadgerPersister) Close() error {
	close(p.done)
	return p.db.Close()
}

func (p *BadgerPersister) gcLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	again:
		if err := p.db.RunValueLogGC(0.5); err == nil {
			goto again
		}
	}
}

func snapshotKey(namespace string) []byte {
	return []byte("snapshot:" + namespace)
}

// badgerLogger forwards badger's own logging to ours at debug level, except
// for errors.
type badgerLogger struct {
	logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.Logger.Errorn("badger error", obskit.Error(fmt.Errorf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) { l.Logger.Debugf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.Logger.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.Logger.Debugf(format, args...) }
