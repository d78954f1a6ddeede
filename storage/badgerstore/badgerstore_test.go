package badgerstore

import (
	"bytes"
	"context"
	"testing"

	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/testkit"
)

func TestBadger_Conformance(t *testing.T) {
	testkit.RunBlockstoreConformance(t, func(t *testing.T) storage.Blockstore {
		t.Helper()
		s, err := Open(Options{InMemory: true})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	b := testkit.MustBlock(t, []byte("durable"))
	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, b.Cid())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.RawData(), b.RawData()) {
		t.Fatalf("payload mismatch after reopen")
	}
}

func TestBadger_RequiresDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatalf("expected error without Dir")
	}
}
