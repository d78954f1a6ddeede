package blockservice

import (
	"context"
	"iter"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"xdao.co/blockservice/storage"
)

// sequential fetches ids from store one at a time, in order. Lookup n+1 starts
// only after block n was yielded; the first failure is yielded and ends the
// sequence. Only one block is held at a time.
func sequential(ctx context.Context, store storage.Blockstore, ids []cid.Cid) iter.Seq2[blocks.Block, error] {
	ids = append([]cid.Cid(nil), ids...)
	return func(yield func(blocks.Block, error) bool) {
		for _, id := range ids {
			b, err := store.Get(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[blocks.Block, error]) ([]blocks.Block, error) {
	var out []blocks.Block
	for b, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}
