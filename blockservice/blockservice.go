// Package blockservice routes block reads and writes to either a local
// Blockstore (offline) or an exchange (online).
//
// The mode is fixed when the service is built: New returns the online variant
// if and only if an exchange is supplied. Each call goes to exactly one
// collaborator and its result, including any error, is returned unchanged.
// The service keeps no state of its own, holds no locks and starts no
// goroutines.
//
// Delete always goes to the local store: there is no network-wide delete.
package blockservice

import (
	"context"
	"iter"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"xdao.co/blockservice/exchange"
	"xdao.co/blockservice/storage"
)

// BlockService is the caller-facing block API.
type BlockService interface {
	// Online reports whether an exchange was supplied at construction.
	Online() bool

	Put(ctx context.Context, b blocks.Block) error
	PutMany(ctx context.Context, bs []blocks.Block) error
	Get(ctx context.Context, id cid.Cid) (blocks.Block, error)

	// GetMany returns a lazy sequence over ids. Nothing is fetched until the
	// sequence is ranged over. A non-nil error is always the last element.
	//
	// Offline, blocks arrive in input order and the next one is fetched only
	// after the previous one was consumed. Online, order and concurrency are
	// whatever the exchange provides.
	GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error]

	// Delete removes the block from the local store, in both modes.
	Delete(ctx context.Context, id cid.Cid) error
}

// New returns an online service when ex is non-nil and an offline one otherwise.
// It panics if store is nil.
func New(store storage.Blockstore, ex exchange.Interface) BlockService {
	if ex == nil {
		return NewOffline(store)
	}
	return NewOnline(store, ex)
}

// NewOffline returns a service that only uses store.
func NewOffline(store storage.Blockstore) BlockService {
	if store == nil {
		panic("blockservice: nil store")
	}
	return offline{store: store}
}

// NewOnline returns a service that routes reads and writes through ex.
func NewOnline(store storage.Blockstore, ex exchange.Interface) BlockService {
	if store == nil {
		panic("blockservice: nil store")
	}
	if ex == nil {
		panic("blockservice: nil exchange")
	}
	return online{store: store, exchange: ex}
}

type offline struct {
	store storage.Blockstore
}

func (offline) Online() bool { return false }

func (s offline) Put(ctx context.Context, b blocks.Block) error {
	return s.store.Put(ctx, b)
}

func (s offline) PutMany(ctx context.Context, bs []blocks.Block) error {
	return s.store.PutMany(ctx, bs)
}

func (s offline) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	return s.store.Get(ctx, id)
}

func (s offline) GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error] {
	return sequential(ctx, s.store, ids)
}

func (s offline) Delete(ctx context.Context, id cid.Cid) error {
	return s.store.Delete(ctx, id)
}

type online struct {
	store    storage.Blockstore
	exchange exchange.Interface
}

func (online) Online() bool { return true }

func (s online) Put(ctx context.Context, b blocks.Block) error {
	return s.exchange.Put(ctx, b)
}

func (s online) PutMany(ctx context.Context, bs []blocks.Block) error {
	return s.exchange.PutMany(ctx, bs)
}

func (s online) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	return s.exchange.Get(ctx, id)
}

func (s online) GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error] {
	return s.exchange.GetMany(ctx, ids)
}

func (s online) Delete(ctx context.Context, id cid.Cid) error {
	return s.store.Delete(ctx, id)
}
