package metrics

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"xdao.co/blockservice/blockservice"
	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/dsstore"
	"xdao.co/blockservice/storage/testkit"
)

func TestInstrument_CountsAndPassesThrough(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	svc := Instrument(blockservice.NewOffline(dsstore.NewMemory()), c)

	if svc.Online() {
		t.Fatalf("instrumented offline service must report offline")
	}

	bs := testkit.MustBlocks(t, "metered", 3)
	if err := svc.PutMany(ctx, bs); err != nil {
		t.Fatalf("PutMany failed: %v", err)
	}
	missing := testkit.MustBlock(t, []byte("missing"))
	if _, err := svc.Get(ctx, missing.Cid()); err != storage.ErrNotFound {
		t.Fatalf("got err=%v want ErrNotFound unchanged", err)
	}

	got, err := blockservice.Collect(svc.GetMany(ctx, []cid.Cid{bs[0].Cid(), bs[1].Cid()}))
	if err != nil || len(got) != 2 {
		t.Fatalf("GetMany: got %d blocks, err=%v", len(got), err)
	}

	if v := testutil.ToFloat64(c.ops.WithLabelValues("get", "offline", "not_found")); v != 1 {
		t.Fatalf("get not_found = %v want 1", v)
	}
	if v := testutil.ToFloat64(c.blocks.WithLabelValues("put_many", "offline")); v != 3 {
		t.Fatalf("put_many blocks = %v want 3", v)
	}
	if v := testutil.ToFloat64(c.blocks.WithLabelValues("get_many", "offline")); v != 2 {
		t.Fatalf("get_many blocks = %v want 2", v)
	}
	if v := testutil.ToFloat64(c.ops.WithLabelValues("get_many", "offline", "ok")); v != 1 {
		t.Fatalf("get_many ops = %v want 1", v)
	}
}

func TestInstrument_GetManyStaysLazy(t *testing.T) {
	ctx := context.Background()
	c := NewCollectors(nil)
	svc := Instrument(blockservice.NewOffline(dsstore.NewMemory()), c)

	_ = svc.GetMany(ctx, []cid.Cid{testkit.MustBlock(t, []byte("x")).Cid()})
	if v := testutil.ToFloat64(c.ops.WithLabelValues("get_many", "offline", "not_found")); v != 0 {
		t.Fatalf("GetMany must not run before iteration")
	}
}
