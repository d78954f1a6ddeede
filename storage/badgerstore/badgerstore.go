// Package badgerstore implements storage.Blockstore on BadgerDB.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v3"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/blockservice/storage"
)

// Options configures a Store.
type Options struct {
	// Dir is the database directory. Required unless InMemory is set.
	Dir string
	// InMemory keeps all data in memory; nothing is persisted.
	InMemory bool
	// SyncWrites fsyncs every write before it is acknowledged.
	SyncWrites bool
	// Logger receives badger's internal logs. Nil discards them.
	Logger *zap.Logger
}

// Store is a BadgerDB-backed block store. Keys are raw multihash bytes.
type Store struct {
	db  *badgerdb.DB
	log *zap.Logger
}

var _ storage.Blockstore = (*Store)(nil)

// Open opens (or creates) a store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badgerstore: directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, err
		}
		bopts = badgerdb.DefaultOptions(opts.Dir)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithBlockCacheSize(64 << 20).
		WithIndexCacheSize(64 << 20).
		WithNumMemtables(2)

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	logger.Debug("badger block store opened", zap.String("dir", opts.Dir), zap.Bool("in_memory", opts.InMemory))
	return &Store{db: db, log: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, b blocks.Block) error {
	_ = ctx
	k, err := keyFor(blockCid(b))
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(k, b.RawData())
	})
}

func (s *Store) PutMany(ctx context.Context, bs []blocks.Block) error {
	_ = ctx
	if len(bs) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, b := range bs {
		k, err := keyFor(blockCid(b))
		if err != nil {
			return err
		}
		if err := wb.Set(k, b.RawData()); err != nil {
			return fmt.Errorf("badgerstore: batch set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badgerstore: batch flush: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	_ = ctx
	k, err := keyFor(id)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("badgerstore: get %s: %w", id, err)
	}
	return blocks.NewBlockWithCid(data, id)
}

func (s *Store) Has(ctx context.Context, id cid.Cid) (bool, error) {
	_ = ctx
	if !id.Defined() {
		return false, nil
	}
	k, err := keyFor(id)
	if err != nil {
		return false, err
	}
	err = s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(k)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badgerstore: has %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, id cid.Cid) error {
	_ = ctx
	k, err := keyFor(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(k)
	})
}

func keyFor(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	return append([]byte("b/"), id.Hash()...), nil
}

func blockCid(b blocks.Block) cid.Cid {
	if b == nil {
		return cid.Undef
	}
	return b.Cid()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
