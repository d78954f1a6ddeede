package blockservice_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"xdao.co/blockservice/blockservice"
	"xdao.co/blockservice/exchange/peer"
	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/dsstore"
	"xdao.co/blockservice/storage/grpcstore"
	"xdao.co/blockservice/storage/testkit"
)

// dialPeer serves store over an in-process gRPC listener and returns a client for it.
func dialPeer(t *testing.T, store storage.Blockstore) *grpcstore.Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	grpcstore.RegisterBlockstoreServer(srv, &grpcstore.Server{Store: store})
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	client := grpcstore.NewClient(cc)
	client.Timeout = 2 * time.Second
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestOnlineService_FetchesFromRemoteNode(t *testing.T) {
	ctx := context.Background()

	// Node A holds the data and serves it.
	nodeA := dsstore.NewMemory()
	bs := testkit.MustBlocks(t, "remote", 5)
	if err := blockservice.NewOffline(nodeA).PutMany(ctx, bs); err != nil {
		t.Fatalf("PutMany on node A failed: %v", err)
	}

	// Node B starts empty and goes online through node A.
	localB := dsstore.NewMemory()
	ex := peer.New(localB, []peer.Peer{{Name: "node-a", Store: dialPeer(t, nodeA)}}, peer.Options{})
	svc := blockservice.New(localB, ex)
	if !svc.Online() {
		t.Fatalf("expected online service")
	}

	ids := make([]cid.Cid, 0, len(bs))
	for _, b := range bs {
		ids = append(ids, b.Cid())
	}
	got, err := blockservice.Collect(svc.GetMany(ctx, ids))
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != len(bs) {
		t.Fatalf("got %d blocks want %d", len(got), len(bs))
	}

	// The exchange cached everything, so an offline view of node B now serves it.
	offlineB := blockservice.NewOffline(localB)
	for _, id := range ids {
		if _, err := offlineB.Get(ctx, id); err != nil {
			t.Fatalf("offline Get(%s) after online fetch: %v", id, err)
		}
	}

	// Delete on the online service only touches node B's local store.
	if err := svc.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := localB.Has(ctx, ids[0]); ok {
		t.Fatalf("Delete did not remove the local copy")
	}
	if ok, _ := nodeA.Has(ctx, ids[0]); !ok {
		t.Fatalf("Delete must never reach the remote node")
	}
}
