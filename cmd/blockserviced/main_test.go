package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/dsstore"
	"xdao.co/blockservice/storage/grpcstore"
	"xdao.co/blockservice/storage/testkit"
)

func TestRun_ListBackends(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"--list-backends"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	for _, want := range []string{"badger", "ipfs", "localfs", "memory"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in %q", want, out.String())
		}
	}
	if strings.Contains(out.String(), "grpc") {
		t.Fatalf("grpc client backend is CLI-only: %q", out.String())
	}
}

func TestRun_BadFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"--no-such-flag"}, &out, &errOut); code != 2 {
		t.Fatalf("exit %d, want 2", code)
	}
	if code := run(context.Background(), []string{"--log-level", "chatty"}, &out, &errOut); code != 2 {
		t.Fatalf("exit %d, want 2", code)
	}
}

func startPeer(t *testing.T, store storage.Blockstore) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := grpc.NewServer()
	grpcstore.RegisterBlockstoreServer(s, &grpcstore.Server{Store: store})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

func TestOpen_OfflineServesLocalStore(t *testing.T) {
	d, err := open(options{backend: "memory"}, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer d.close()

	if d.svc.Online() {
		t.Fatal("expected offline service without peers")
	}
	if _, ok := d.served.(relayStore); ok {
		t.Fatal("expected the local store to be served directly")
	}
}

func TestOpen_RelayFetchesFromPeers(t *testing.T) {
	ctx := context.Background()
	remote := dsstore.NewMemory()
	b := testkit.MustBlock(t, []byte("relayed"))
	if err := remote.Put(ctx, b); err != nil {
		t.Fatal(err)
	}
	addr := startPeer(t, remote)

	reg := prometheus.NewRegistry()
	d, err := open(options{backend: "memory", peers: []string{addr}, relay: true}, zap.NewNop(), reg)
	if err != nil {
		t.Fatal(err)
	}
	defer d.close()

	if !d.svc.Online() {
		t.Fatal("expected online service with peers")
	}
	got, err := d.served.Get(ctx, b.Cid())
	if err != nil {
		t.Fatalf("relay Get: %v", err)
	}
	if !bytes.Equal(got.RawData(), b.RawData()) {
		t.Fatal("relay returned wrong bytes")
	}
	has, err := d.served.Has(ctx, b.Cid())
	if err != nil || !has {
		t.Fatalf("expected block cached locally after relay: has=%v err=%v", has, err)
	}

	n, err := testutil.GatherAndCount(reg, "blockservice_operations_total", "blockservice_exchange_peer_fetches_total")
	if err != nil {
		t.Fatal(err)
	}
	if n < 2 {
		t.Fatalf("expected service and exchange metrics, got %d series", n)
	}
}

func TestRelayStore_DeleteIsLocal(t *testing.T) {
	ctx := context.Background()
	remote := dsstore.NewMemory()
	b := testkit.MustBlock(t, []byte("keep remote"))
	if err := remote.Put(ctx, b); err != nil {
		t.Fatal(err)
	}
	addr := startPeer(t, remote)

	d, err := open(options{backend: "memory", peers: []string{addr}, relay: true}, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer d.close()

	if _, err := d.served.Get(ctx, b.Cid()); err != nil {
		t.Fatal(err)
	}
	if err := d.served.Delete(ctx, b.Cid()); err != nil {
		t.Fatal(err)
	}
	if has, _ := d.served.Has(ctx, b.Cid()); has {
		t.Fatal("expected local copy removed")
	}
	if has, _ := remote.Has(ctx, b.Cid()); !has {
		t.Fatal("delete must not reach peers")
	}
}

func TestOpen_MutuallyPeeredRelaysTerminate(t *testing.T) {
	lisA, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lisB, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	da, err := open(options{backend: "memory", peers: []string{lisB.Addr().String()}, relay: true}, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer da.close()
	db, err := open(options{backend: "memory", peers: []string{lisA.Addr().String()}, relay: true}, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer db.close()

	for _, pair := range []struct {
		lis net.Listener
		d   *daemon
	}{{lisA, da}, {lisB, db}} {
		s := grpc.NewServer()
		grpcstore.RegisterBlockstoreServer(s, pair.d.server(zap.NewNop()))
		go func(lis net.Listener) { _ = s.Serve(lis) }(pair.lis)
		t.Cleanup(s.Stop)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := testkit.MustBlock(t, []byte("ping-pong"))
	if err := da.served.Put(ctx, b); err != nil {
		t.Fatalf("relay Put: %v", err)
	}
	for name, d := range map[string]*daemon{"a": da, "b": db} {
		if has, err := d.local.Has(ctx, b.Cid()); err != nil || !has {
			t.Fatalf("node %s: expected block stored locally: has=%v err=%v", name, has, err)
		}
	}

	missing := testkit.MustBlock(t, []byte("nobody has this"))
	if _, err := db.served.Get(ctx, missing.Cid()); !storage.IsNotFound(err) {
		t.Fatalf("relay Get of missing block: expected not found, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("relayed requests bounced until the deadline")
	}
}
