package testkit

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage"
)

// NewBlockstore constructs a fresh, empty Blockstore instance for a test.
// The returned Blockstore MUST be isolated from other tests.
type NewBlockstore func(t *testing.T) storage.Blockstore

// MustBlock builds a raw block from data or fails the test.
func MustBlock(t testing.TB, data []byte) blocks.Block {
	t.Helper()
	b, err := cidutil.NewRawBlock(data)
	if err != nil {
		t.Fatalf("NewRawBlock failed: %v", err)
	}
	return b
}

// MustBlocks builds n distinct raw blocks whose payloads start with prefix.
func MustBlocks(t testing.TB, prefix string, n int) []blocks.Block {
	t.Helper()
	out := make([]blocks.Block, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, MustBlock(t, []byte(fmt.Sprintf("%s-%d", prefix, i))))
	}
	return out
}

func RunBlockstoreConformance(t *testing.T, newStore NewBlockstore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		bs := newStore(t)
		want := MustBlock(t, []byte("hello, block storage"))

		if err := bs.Put(ctx, want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := bs.Get(ctx, want.Cid())
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !got.Cid().Equals(want.Cid()) {
			t.Fatalf("Get CID mismatch: got %s want %s", got.Cid(), want.Cid())
		}
		if !bytes.Equal(got.RawData(), want.RawData()) {
			t.Fatalf("Get bytes mismatch")
		}
		if err := cidutil.Verify(got); err != nil {
			t.Fatalf("Get returned bytes not matching requested CID: %v", err)
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		bs := newStore(t)
		b := MustBlock(t, []byte("same bytes"))

		if err := bs.Put(ctx, b); err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		if err := bs.Put(ctx, b); err != nil {
			t.Fatalf("Put(2) failed: %v", err)
		}
		got, err := bs.Get(ctx, b.Cid())
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.RawData(), b.RawData()) {
			t.Fatalf("Get bytes mismatch after repeated Put")
		}
	})

	t.Run("PutMany", func(t *testing.T) {
		bs := newStore(t)
		in := MustBlocks(t, "batch", 5)

		if err := bs.PutMany(ctx, in); err != nil {
			t.Fatalf("PutMany failed: %v", err)
		}
		for _, b := range in {
			got, err := bs.Get(ctx, b.Cid())
			if err != nil {
				t.Fatalf("Get(%s) failed: %v", b.Cid(), err)
			}
			if !bytes.Equal(got.RawData(), b.RawData()) {
				t.Fatalf("Get(%s) bytes mismatch", b.Cid())
			}
		}
		if err := bs.PutMany(ctx, nil); err != nil {
			t.Fatalf("PutMany(nil) failed: %v", err)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		bs := newStore(t)
		b := MustBlock(t, []byte("missing"))

		ok, err := bs.Has(ctx, b.Cid())
		if err != nil {
			t.Fatalf("Has failed: %v", err)
		}
		if ok {
			t.Fatalf("Has returned true for missing CID")
		}
		_, err = bs.Get(ctx, b.Cid())
		if !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}

		if err := bs.Put(ctx, b); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ok, err = bs.Has(ctx, b.Cid())
		if err != nil {
			t.Fatalf("Has failed: %v", err)
		}
		if !ok {
			t.Fatalf("Has returned false after Put")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		bs := newStore(t)
		b := MustBlock(t, []byte("to be deleted"))

		if err := bs.Put(ctx, b); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := bs.Delete(ctx, b.Cid()); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := bs.Get(ctx, b.Cid()); !storage.IsNotFound(err) {
			t.Fatalf("Get after Delete: got err=%v want ErrNotFound", err)
		}
		if err := bs.Delete(ctx, b.Cid()); err != nil {
			t.Fatalf("Delete of absent block failed: %v", err)
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		bs := newStore(t)
		var undef cid.Cid
		ok, _ := bs.Has(ctx, undef)
		if ok {
			t.Fatalf("Has should be false for undefined CID")
		}
		if _, err := bs.Get(ctx, undef); err == nil {
			t.Fatalf("Get should fail for undefined CID")
		}
		if err := bs.Delete(ctx, undef); err == nil {
			t.Fatalf("Delete should fail for undefined CID")
		}
	})
}
