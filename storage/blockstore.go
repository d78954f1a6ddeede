package storage

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Blockstore is the local, content-addressed block store contract.
//
// Contract:
// - Put and PutMany MUST be idempotent.
// - Stored blocks MUST be immutable.
// - Get MUST return ErrNotFound when the CID is absent.
// - Delete of an absent CID is not an error.
// - An undefined CID MUST be rejected with ErrInvalidCID (Has reports false).
//
// Implementations do not recompute CIDs on Put; callers supply blocks whose
// CIDs were derived upstream.
type Blockstore interface {
	Put(ctx context.Context, b blocks.Block) error
	PutMany(ctx context.Context, bs []blocks.Block) error
	Get(ctx context.Context, id cid.Cid) (blocks.Block, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
	Delete(ctx context.Context, id cid.Cid) error
}
