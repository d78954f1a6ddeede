package grpcstore

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/dsstore"
	"xdao.co/blockservice/storage/localfs"
	"xdao.co/blockservice/storage/testkit"
)

// serve starts an in-process server for store and returns a connected client.
func serve(t *testing.T, store storage.Blockstore) *Client {
	t.Helper()
	return serveServer(t, &Server{Store: store})
}

func serveServer(t *testing.T, server *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterBlockstoreServer(srv, server)

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	client := NewClient(cc)
	client.Timeout = 2 * time.Second
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPC_Conformance(t *testing.T) {
	testkit.RunBlockstoreConformance(t, func(t *testing.T) storage.Blockstore {
		return serve(t, dsstore.NewMemory())
	})
}

func TestGRPC_LocalFS_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	client := serve(t, store)

	b := testkit.MustBlock(t, []byte("hello grpcstore"))
	if err := client.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := client.Has(ctx, b.Cid())
	if err != nil || !ok {
		t.Fatalf("Has: got %v, %v want true", ok, err)
	}
	got, err := client.Get(ctx, b.Cid())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.RawData()) != "hello grpcstore" {
		t.Fatalf("payload mismatch")
	}
	if _, err := store.Get(ctx, b.Cid()); err != nil {
		t.Fatalf("block did not reach the served store: %v", err)
	}
}

func TestGRPC_ServerRejectsMismatchedPayload(t *testing.T) {
	client := serve(t, dsstore.NewMemory())

	id, err := cidutil.CIDv1RawSHA256CID([]byte("claimed"))
	if err != nil {
		t.Fatalf("CIDv1RawSHA256CID: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), CIDMetadataKey, id.String())
	_, err = client.client.Put(ctx, wrapperspb.Bytes([]byte("actual")))
	if got := mapRPC(err); got != storage.ErrCIDMismatch {
		t.Fatalf("got %v want %v", got, storage.ErrCIDMismatch)
	}
}

func TestGRPC_PutWithoutCIDDefaultsToRaw(t *testing.T) {
	client := serve(t, dsstore.NewMemory())

	reply, err := client.client.Put(context.Background(), wrapperspb.Bytes([]byte("anonymous")))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if want := cidutil.CIDv1RawSHA256([]byte("anonymous")); reply.GetValue() != want {
		t.Fatalf("got CID %s want %s", reply.GetValue(), want)
	}
}

func TestMapRPC_PassesThroughForeignErrors(t *testing.T) {
	if mapRPC(nil) != nil {
		t.Fatalf("nil must map to nil")
	}
	if got := mapRPC(context.DeadlineExceeded); got != context.DeadlineExceeded {
		t.Fatalf("non-status error must pass through, got %v", got)
	}
}

func TestGRPC_RelayedRequestsUseLocalStore(t *testing.T) {
	ctx := context.Background()
	forwarding := dsstore.NewMemory()
	local := dsstore.NewMemory()
	onlyForwarding := testkit.MustBlock(t, []byte("reachable through peers"))
	if err := forwarding.Put(ctx, onlyForwarding); err != nil {
		t.Fatal(err)
	}

	direct := serveServer(t, &Server{Store: forwarding, Local: local})
	relayed := serveServer(t, &Server{Store: forwarding, Local: local})
	relayed.Relayed = true

	if _, err := direct.Get(ctx, onlyForwarding.Cid()); err != nil {
		t.Fatalf("direct Get failed: %v", err)
	}
	if _, err := relayed.Get(ctx, onlyForwarding.Cid()); !storage.IsNotFound(err) {
		t.Fatalf("relayed Get: expected not found, got %v", err)
	}

	b := testkit.MustBlock(t, []byte("relayed write"))
	if err := relayed.Put(ctx, b); err != nil {
		t.Fatalf("relayed Put failed: %v", err)
	}
	if has, _ := local.Has(ctx, b.Cid()); !has {
		t.Fatal("relayed Put did not reach the local store")
	}
	if has, _ := forwarding.Has(ctx, b.Cid()); has {
		t.Fatal("relayed Put reached the forwarding store")
	}
}

func TestGRPC_RelayedWithoutLocalUsesStore(t *testing.T) {
	ctx := context.Background()
	store := dsstore.NewMemory()
	b := testkit.MustBlock(t, []byte("plain server"))
	if err := store.Put(ctx, b); err != nil {
		t.Fatal(err)
	}
	client := serve(t, store)
	client.Relayed = true
	if _, err := client.Get(ctx, b.Cid()); err != nil {
		t.Fatalf("relayed Get against a plain server failed: %v", err)
	}
}
