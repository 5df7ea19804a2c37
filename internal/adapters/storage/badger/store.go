// Package badger stores the action queue in an embedded BadgerDB.
//
// Records live under action/<position>/<id>, with an id/<id> entry pointing at the record key so
// single removals do not scan.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

const (
	actionPrefix = "action/"
	idPrefix     = "id/"
)

// Config holds configuration for the badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's internal logging. Nil disables it.
	Logger *log.Logger
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns durable on-disk settings for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts charmbracelet/log to badger's Logger interface.
type badgerLogger struct {
	logger *log.Logger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.logger.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.logger.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.logger.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.logger.Debugf(format, args...) }

// Store implements app.Store on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *log.Logger
	stop   chan struct{}
	done   chan struct{}
}

var _ app.Store = (*Store)(nil)

// Open opens the database described by cfg and starts value log GC when configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger.WithPrefix("badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log gc failed", "err", err)
			}
		}
	}
}

// Save replaces the stored set with actions in one transaction.
func (s *Store) Save(ctx context.Context, actions []domain.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, actionPrefix); err != nil {
			return err
		}
		if err := deletePrefix(txn, idPrefix); err != nil {
			return err
		}
		for i, a := range actions {
			record, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encode action %s: %w", a.ID, err)
			}
			key := recordKey(i, a.ID)
			if err := txn.Set(key, record); err != nil {
				return fmt.Errorf("put action %s: %w", a.ID, err)
			}
			if err := txn.Set([]byte(idPrefix+a.ID), key); err != nil {
				return fmt.Errorf("put action index %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// Load returns every stored action in saved order.
func (s *Store) Load(ctx context.Context) ([]domain.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Action, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(actionPrefix), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var a domain.Action
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes one action. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(idPrefix + id))
	})
}

// Clear deletes every stored action.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix([]byte(actionPrefix), []byte(idPrefix))
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// recordKey zero-pads position so lexical key order is saved order.
func recordKey(position int, id string) []byte {
	return fmt.Appendf(nil, "%s%010d/%s", actionPrefix, position, id)
}
