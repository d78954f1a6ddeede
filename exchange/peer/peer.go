// Package peer implements exchange.Interface on top of a local cache and an
// ordered list of remote block stores.
//
// A peer is any storage.Blockstore; in practice a grpcstore.Client dialed to
// another node's daemon.
package peer

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/exchange"
	"xdao.co/blockservice/storage"
)

// DefaultConcurrency bounds in-flight fetches of GetMany.
const DefaultConcurrency = 8

// Peer names a remote block source.
type Peer struct {
	Name  string
	Store storage.Blockstore
}

type Options struct {
	// Concurrency bounds in-flight GetMany fetches. Zero uses DefaultConcurrency.
	Concurrency int
	// FetchTimeout bounds a single peer request when non-zero.
	FetchTimeout time.Duration
	// Logger receives fetch diagnostics. Nil discards them.
	Logger *zap.Logger
	// Metrics records cache and peer activity. Nil disables it.
	Metrics *Metrics
}

// Exchange serves blocks from local first and falls back to peers in order.
// Blocks fetched from a peer are verified and cached in local.
type Exchange struct {
	local   storage.Blockstore
	peers   []Peer
	opts    Options
	log     *zap.Logger
	metrics *Metrics
}

var _ exchange.Interface = (*Exchange)(nil)

func New(local storage.Blockstore, peers []Peer, opts Options) *Exchange {
	if local == nil {
		panic("peer: nil local store")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		local:   local,
		peers:   append([]Peer(nil), peers...),
		opts:    opts,
		log:     log.Named("exchange"),
		metrics: opts.Metrics,
	}
}

// Put stores b locally, then provides it to every peer.
func (e *Exchange) Put(ctx context.Context, b blocks.Block) error {
	if err := e.local.Put(ctx, b); err != nil {
		return err
	}
	for _, p := range e.peers {
		if err := e.withTimeout(ctx, func(ctx context.Context) error { return p.Store.Put(ctx, b) }); err != nil {
			e.log.Warn("provide failed", zap.String("peer", p.Name), zap.Stringer("cid", b.Cid()), zap.Error(err))
			return fmt.Errorf("peer %q: %w", p.Name, err)
		}
	}
	return nil
}

// PutMany stores bs locally in one batch, then provides the batch to every peer.
func (e *Exchange) PutMany(ctx context.Context, bs []blocks.Block) error {
	if err := e.local.PutMany(ctx, bs); err != nil {
		return err
	}
	for _, p := range e.peers {
		if err := e.withTimeout(ctx, func(ctx context.Context) error { return p.Store.PutMany(ctx, bs) }); err != nil {
			e.log.Warn("provide batch failed", zap.String("peer", p.Name), zap.Int("blocks", len(bs)), zap.Error(err))
			return fmt.Errorf("peer %q: %w", p.Name, err)
		}
	}
	return nil
}

// Get returns the block from the local cache or, failing that, from the first
// peer that has it. It returns storage.ErrNotFound when no source has it.
func (e *Exchange) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	b, err := e.local.Get(ctx, id)
	if err == nil {
		e.metrics.localHit()
		return b, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	for _, p := range e.peers {
		var got blocks.Block
		err := e.withTimeout(ctx, func(ctx context.Context) error {
			var ferr error
			got, ferr = p.Store.Get(ctx, id)
			return ferr
		})
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			e.metrics.peerFailure(p.Name)
			e.log.Debug("peer fetch failed", zap.String("peer", p.Name), zap.Stringer("cid", id), zap.Error(err))
			return nil, err
		}
		if err := cidutil.Verify(got); err != nil || !got.Cid().Equals(id) {
			e.metrics.peerFailure(p.Name)
			e.log.Warn("peer returned mismatched block", zap.String("peer", p.Name), zap.Stringer("cid", id))
			return nil, storage.ErrCIDMismatch
		}
		e.metrics.peerFetch(p.Name)
		if err := e.local.Put(ctx, got); err != nil {
			return nil, err
		}
		e.log.Debug("fetched from peer", zap.String("peer", p.Name), zap.Stringer("cid", id), zap.Int("size", len(got.RawData())))
		return got, nil
	}
	e.metrics.miss()
	return nil, storage.ErrNotFound
}

type result struct {
	b   blocks.Block
	err error
}

// GetMany fetches ids concurrently and yields blocks in completion order.
//
// The first error is yielded and ends the sequence; outstanding fetches are
// cancelled. Stopping the range loop early cancels them as well.
func (e *Exchange) GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error] {
	ids = append([]cid.Cid(nil), ids...)
	return func(yield func(blocks.Block, error) bool) {
		if len(ids) == 0 {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		jobs := make(chan cid.Cid)
		results := make(chan result)
		var wg sync.WaitGroup

		workers := min(e.opts.Concurrency, len(ids))
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for id := range jobs {
					b, err := e.Get(ctx, id)
					select {
					case results <- result{b: b, err: err}:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
		go func() {
			defer close(jobs)
			for _, id := range ids {
				select {
				case jobs <- id:
				case <-ctx.Done():
					return
				}
			}
		}()
		go func() {
			wg.Wait()
			close(results)
		}()

		// cancel before draining so workers blocked on send can exit.
		defer func() {
			cancel()
			for range results {
			}
		}()

		for range ids {
			r, ok := <-results
			if !ok {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
				}
				return
			}
			if r.err != nil {
				yield(nil, r.err)
				return
			}
			if !yield(r.b, nil) {
				return
			}
		}
	}
}

func (e *Exchange) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if e.opts.FetchTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return fn(ctx)
}
