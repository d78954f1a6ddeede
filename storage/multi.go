package storage

import (
	"context"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

var errNoStores = errors.New("storage: MultiStore has no stores")

// MultiStore provides deterministic, ordered fallback across multiple Blockstores.
//
// Lookup order is the slice order in Stores; callers MUST supply a fixed order.
// This avoids map-iteration nondeterminism and makes the retrieval strategy explicit.
//
// Put and PutMany write only to the first store. Delete removes the block from
// every store so a later Get cannot resurrect it from a fallback.
type MultiStore struct {
	Stores []Blockstore
}

var _ Blockstore = MultiStore{}

func (m MultiStore) Put(ctx context.Context, b blocks.Block) error {
	if len(m.Stores) == 0 {
		return errNoStores
	}
	return m.Stores[0].Put(ctx, b)
}

func (m MultiStore) PutMany(ctx context.Context, bs []blocks.Block) error {
	if len(m.Stores) == 0 {
		return errNoStores
	}
	return m.Stores[0].PutMany(ctx, bs)
}

func (m MultiStore) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	for _, s := range m.Stores {
		b, err := s.Get(ctx, id)
		if err == nil {
			return b, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}

func (m MultiStore) Has(ctx context.Context, id cid.Cid) (bool, error) {
	for _, s := range m.Stores {
		ok, err := s.Has(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m MultiStore) Delete(ctx context.Context, id cid.Cid) error {
	if !id.Defined() {
		return ErrInvalidCID
	}
	for _, s := range m.Stores {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
