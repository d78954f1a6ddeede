// Package metrics instruments a BlockService with Prometheus collectors.
package metrics

import (
	"context"
	"iter"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"

	"xdao.co/blockservice/blockservice"
	"xdao.co/blockservice/storage"
)

// Collectors holds the block service metrics.
type Collectors struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	blocks   *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with reg when non-nil.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockservice",
			Name:      "operations_total",
			Help:      "Block service operations by op, mode and outcome.",
		}, []string{"op", "mode", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blockservice",
			Name:      "operation_duration_seconds",
			Help:      "Latency of block service operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op", "mode"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockservice",
			Name:      "blocks_total",
			Help:      "Blocks written or yielded, by op and mode.",
		}, []string{"op", "mode"}),
	}
	if reg != nil {
		reg.MustRegister(c.ops, c.duration, c.blocks)
	}
	return c
}

// Instrument wraps svc. Results and errors pass through unchanged.
func Instrument(svc blockservice.BlockService, c *Collectors) blockservice.BlockService {
	return &instrumented{next: svc, c: c, mode: modeOf(svc)}
}

type instrumented struct {
	next blockservice.BlockService
	c    *Collectors
	mode string
}

func modeOf(svc blockservice.BlockService) string {
	if svc.Online() {
		return "online"
	}
	return "offline"
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case storage.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	s.c.ops.WithLabelValues(op, s.mode, outcome(err)).Inc()
	s.c.duration.WithLabelValues(op, s.mode).Observe(time.Since(start).Seconds())
}

func (s *instrumented) Online() bool { return s.next.Online() }

func (s *instrumented) Put(ctx context.Context, b blocks.Block) error {
	start := time.Now()
	err := s.next.Put(ctx, b)
	s.observe("put", start, err)
	if err == nil {
		s.c.blocks.WithLabelValues("put", s.mode).Inc()
	}
	return err
}

func (s *instrumented) PutMany(ctx context.Context, bs []blocks.Block) error {
	start := time.Now()
	err := s.next.PutMany(ctx, bs)
	s.observe("put_many", start, err)
	if err == nil {
		s.c.blocks.WithLabelValues("put_many", s.mode).Add(float64(len(bs)))
	}
	return err
}

func (s *instrumented) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	start := time.Now()
	b, err := s.next.Get(ctx, id)
	s.observe("get", start, err)
	return b, err
}

// GetMany stays lazy: the operation is recorded when the consumer finishes
// or stops ranging, and every yielded block is counted.
func (s *instrumented) GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error] {
	seq := s.next.GetMany(ctx, ids)
	return func(yield func(blocks.Block, error) bool) {
		start := time.Now()
		var last error
		defer func() { s.observe("get_many", start, last) }()
		for b, err := range seq {
			if err != nil {
				last = err
			} else {
				s.c.blocks.WithLabelValues("get_many", s.mode).Inc()
			}
			if !yield(b, err) {
				return
			}
		}
	}
}

func (s *instrumented) Delete(ctx context.Context, id cid.Cid) error {
	start := time.Now()
	err := s.next.Delete(ctx, id)
	s.observe("delete", start, err)
	return err
}
