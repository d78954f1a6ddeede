// Package exchange defines the network-aware block provider consumed by the
// block service when it runs online.
package exchange

import (
	"context"
	"iter"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Interface is a block provider that can reach beyond the local store.
//
// Implementations own local-cache lookups, peer retrieval, retries and
// timeouts. GetMany may deliver blocks in any order and may fetch them
// concurrently; a yielded non-nil error terminates the sequence.
type Interface interface {
	Put(ctx context.Context, b blocks.Block) error
	PutMany(ctx context.Context, bs []blocks.Block) error
	Get(ctx context.Context, id cid.Cid) (blocks.Block, error)
	GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error]
}
