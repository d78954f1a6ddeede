// Package dsstore implements storage.Blockstore on top of a go-datastore.
//
// Blocks are keyed by multihash, so CIDv0 and CIDv1 addresses of the same
// content share one entry. Get rebuilds the block with the CID it was asked for.
package dsstore

import (
	"context"
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multibase"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage"
)

// DefaultPrefix namespaces block entries inside a shared datastore.
var DefaultPrefix = ds.NewKey("/blocks")

// Store is a storage.Blockstore backed by a ds.Batching datastore.
type Store struct {
	ds     ds.Batching
	prefix ds.Key

	// HashOnRead re-verifies payloads against the requested CID on Get.
	HashOnRead bool
}

var _ storage.Blockstore = (*Store)(nil)

// New wraps d. The datastore may be shared with other consumers; block keys
// live under DefaultPrefix.
func New(d ds.Batching) *Store {
	return &Store{ds: d, prefix: DefaultPrefix}
}

// NewMemory returns a Store over a mutex-guarded in-memory map datastore.
func NewMemory() *Store {
	return New(dssync.MutexWrap(ds.NewMapDatastore()))
}

func (s *Store) Put(ctx context.Context, b blocks.Block) error {
	k, err := s.keyFor(blockCid(b))
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, k, b.RawData())
}

func (s *Store) PutMany(ctx context.Context, bs []blocks.Block) error {
	if len(bs) == 0 {
		return nil
	}
	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("dsstore: open batch: %w", err)
	}
	for _, b := range bs {
		k, err := s.keyFor(blockCid(b))
		if err != nil {
			return err
		}
		if err := batch.Put(ctx, k, b.RawData()); err != nil {
			return fmt.Errorf("dsstore: batch put: %w", err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("dsstore: commit batch: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	k, err := s.keyFor(id)
	if err != nil {
		return nil, err
	}
	data, err := s.ds.Get(ctx, k)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if s.HashOnRead {
		return cidutil.BlockFor(id, data)
	}
	return blocks.NewBlockWithCid(data, id)
}

func (s *Store) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	k, err := s.keyFor(id)
	if err != nil {
		return false, err
	}
	return s.ds.Has(ctx, k)
}

func (s *Store) Delete(ctx context.Context, id cid.Cid) error {
	k, err := s.keyFor(id)
	if err != nil {
		return err
	}
	return s.ds.Delete(ctx, k)
}

// Close closes the underlying datastore.
func (s *Store) Close() error {
	return s.ds.Close()
}

func (s *Store) keyFor(id cid.Cid) (ds.Key, error) {
	if !id.Defined() {
		return ds.Key{}, storage.ErrInvalidCID
	}
	enc, err := multibase.Encode(multibase.Base32Upper, id.Hash())
	if err != nil {
		return ds.Key{}, err
	}
	return s.prefix.ChildString(enc), nil
}

func blockCid(b blocks.Block) cid.Cid {
	if b == nil {
		return cid.Undef
	}
	return b.Cid()
}
