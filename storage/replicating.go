package storage

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// NamedStore associates a Blockstore with a stable backend name.
//
// This is used for multi-backend orchestration where callers need to retain
// per-backend metadata (e.g., for reporting or auditing).
type NamedStore struct {
	Name  string
	Store Blockstore
}

// ReplicatingStore writes to all configured backends.
//
// Reads fall back in order. Writes go to all backends and stop at the first
// failing backend; backends earlier in the list keep what they stored.
//
// Use PutAll when you need to know which backends accepted the block.
type ReplicatingStore struct {
	Backends []NamedStore
}

var _ Blockstore = ReplicatingStore{}

// PutAll writes the same block to all backends.
//
// It returns the names of the backends that stored the block, in order. On
// error the slice holds the backends written before the failure.
func (r ReplicatingStore) PutAll(ctx context.Context, b blocks.Block) ([]string, error) {
	if b == nil || !b.Cid().Defined() {
		return nil, ErrInvalidCID
	}
	if len(r.Backends) == 0 {
		return nil, fmt.Errorf("storage: ReplicatingStore has no backends")
	}

	out := make([]string, 0, len(r.Backends))
	for _, nb := range r.Backends {
		if nb.Store == nil {
			return out, fmt.Errorf("storage: nil store for backend %q", nb.Name)
		}
		if err := nb.Store.Put(ctx, b); err != nil {
			return out, fmt.Errorf("storage: backend %q: %w", nb.Name, err)
		}
		out = append(out, nb.Name)
	}
	return out, nil
}

func (r ReplicatingStore) Put(ctx context.Context, b blocks.Block) error {
	_, err := r.PutAll(ctx, b)
	return err
}

func (r ReplicatingStore) PutMany(ctx context.Context, bs []blocks.Block) error {
	if len(r.Backends) == 0 {
		return fmt.Errorf("storage: ReplicatingStore has no backends")
	}
	for _, nb := range r.Backends {
		if nb.Store == nil {
			return fmt.Errorf("storage: nil store for backend %q", nb.Name)
		}
		if err := nb.Store.PutMany(ctx, bs); err != nil {
			return fmt.Errorf("storage: backend %q: %w", nb.Name, err)
		}
	}
	return nil
}

func (r ReplicatingStore) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	for _, nb := range r.Backends {
		if nb.Store == nil {
			continue
		}
		b, err := nb.Store.Get(ctx, id)
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

func (r ReplicatingStore) Has(ctx context.Context, id cid.Cid) (bool, error) {
	for _, nb := range r.Backends {
		if nb.Store == nil {
			continue
		}
		ok, err := nb.Store.Has(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r ReplicatingStore) Delete(ctx context.Context, id cid.Cid) error {
	if !id.Defined() {
		return ErrInvalidCID
	}
	for _, nb := range r.Backends {
		if nb.Store == nil {
			continue
		}
		if err := nb.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("storage: backend %q: %w", nb.Name, err)
		}
	}
	return nil
}
