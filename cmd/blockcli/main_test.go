package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage/dsstore"
	"xdao.co/blockservice/storage/grpcstore"
)

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return out.String(), errOut.String(), code
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRun_Usage(t *testing.T) {
	if _, _, code := runCLI(t); code != 2 {
		t.Fatalf("no args: exit %d, want 2", code)
	}
	if _, errOut, code := runCLI(t, "frobnicate"); code != 2 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("unknown command: exit %d, stderr %q", code, errOut)
	}
	if out, _, code := runCLI(t, "help"); code != 0 || !strings.Contains(out, "blockcli put") {
		t.Fatalf("help: exit %d, stdout %q", code, out)
	}
}

func TestRun_ListBackends(t *testing.T) {
	out, _, code := runCLI(t, "list-backends")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{"badger", "grpc", "ipfs", "localfs", "memory"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing backend %q in %q", want, out)
		}
	}
}

func TestRun_PutGetRm(t *testing.T) {
	storeDir := t.TempDir()
	work := t.TempDir()
	p := writeFile(t, work, "a.txt", "hello blocks")
	want := cidutil.CIDv1RawSHA256([]byte("hello blocks"))

	out, errOut, code := runCLI(t, "put", "--localfs-dir", storeDir, p)
	if code != 0 {
		t.Fatalf("put: exit %d: %s", code, errOut)
	}
	if strings.TrimSpace(out) != want {
		t.Fatalf("put printed %q, want %q", out, want)
	}

	out, errOut, code = runCLI(t, "get", "--localfs-dir", storeDir, "--cid", want)
	if code != 0 {
		t.Fatalf("get: exit %d: %s", code, errOut)
	}
	if out != "hello blocks" {
		t.Fatalf("get returned %q", out)
	}

	if _, errOut, code := runCLI(t, "rm", "--localfs-dir", storeDir, "--cid", want); code != 0 {
		t.Fatalf("rm: exit %d: %s", code, errOut)
	}
	if _, errOut, code := runCLI(t, "get", "--localfs-dir", storeDir, "--cid", want); code != 1 || !strings.Contains(errOut, "not found") {
		t.Fatalf("get after rm: exit %d, stderr %q", code, errOut)
	}
}

func TestRun_GetRejectsBadCID(t *testing.T) {
	_, errOut, code := runCLI(t, "get", "--localfs-dir", t.TempDir(), "--cid", "not-a-cid")
	if code != 1 || !strings.Contains(errOut, "invalid") {
		t.Fatalf("exit %d, stderr %q", code, errOut)
	}
}

func TestRun_ExportImport(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	work := t.TempDir()
	a := writeFile(t, work, "a", "alpha")
	b := writeFile(t, work, "b", "beta")

	out, errOut, code := runCLI(t, "put", "--localfs-dir", src, a, b)
	if code != 0 {
		t.Fatalf("put: exit %d: %s", code, errOut)
	}
	ids := strings.Fields(out)
	if len(ids) != 2 {
		t.Fatalf("put printed %q", out)
	}

	tarPath := filepath.Join(work, "bundle.tar")
	args := []string{"export", "--localfs-dir", src, "--index", "--label", "first=" + ids[0], "--out", tarPath}
	for _, id := range ids {
		args = append(args, "--cid", id)
	}
	if _, errOut, code := runCLI(t, args...); code != 0 {
		t.Fatalf("export: exit %d: %s", code, errOut)
	}

	out, errOut, code = runCLI(t, "import", "--localfs-dir", dst, "--batch-size", "1", tarPath)
	if code != 0 {
		t.Fatalf("import: exit %d: %s", code, errOut)
	}
	if got := strings.Fields(out); len(got) != 2 {
		t.Fatalf("import printed %q", out)
	}

	out, errOut, code = runCLI(t, "get", "--localfs-dir", dst, "--cid", ids[1])
	if code != 0 || out != "beta" {
		t.Fatalf("get from imported store: exit %d out %q stderr %q", code, out, errOut)
	}
}

func TestRun_OnlineFetchesFromPeer(t *testing.T) {
	remote := dsstore.NewMemory()
	b, err := cidutil.NewRawBlock([]byte("remote block"))
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Put(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := grpc.NewServer()
	grpcstore.RegisterBlockstoreServer(s, &grpcstore.Server{Store: remote})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	local := t.TempDir()
	id := b.Cid().String()

	if _, _, code := runCLI(t, "get", "--localfs-dir", local, "--cid", id); code != 1 {
		t.Fatalf("offline get should miss, exit %d", code)
	}

	out, errOut, code := runCLI(t, "get", "--localfs-dir", local, "--peer", lis.Addr().String(), "--cid", id)
	if code != 0 {
		t.Fatalf("online get: exit %d: %s", code, errOut)
	}
	if out != "remote block" {
		t.Fatalf("online get returned %q", out)
	}

	// The fetched block was cached locally.
	out, errOut, code = runCLI(t, "get", "--localfs-dir", local, "--cid", id)
	if code != 0 || out != "remote block" {
		t.Fatalf("cached get: exit %d out %q stderr %q", code, out, errOut)
	}
}
