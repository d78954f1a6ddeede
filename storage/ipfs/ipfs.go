package ipfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage"
)

// Store is a block store backed by the local Kubo "ipfs" CLI.
//
// This is an optional adapter package. The block service remains storage-provider
// agnostic; any external store can integrate by implementing storage.Blockstore.
//
// Properties:
// - Offline: operates on the local IPFS repo with --offline; never fetches from peers.
// - Verifying: validates returned bytes against the requested CID.
// - Best-effort: relies on an external "ipfs" binary (configurable).
//
// Note: This package name is "ipfs" for familiarity, but it does not embed a
// network client; it shells out to the local Kubo CLI.
type Store struct {
	bin string
	env []string
}

var _ storage.Blockstore = (*Store)(nil)

type Options struct {
	// Bin is the path to the ipfs binary. If empty, "ipfs" is used.
	Bin string
	// Env optionally overrides the command environment (e.g. to set IPFS_PATH).
	// If nil, the process environment is used.
	Env []string
}

func New(opts Options) *Store {
	bin := opts.Bin
	if bin == "" {
		bin = "ipfs"
	}
	return &Store{bin: bin, env: opts.Env}
}

func (s *Store) Put(ctx context.Context, b blocks.Block) error {
	if b == nil || !b.Cid().Defined() {
		return storage.ErrInvalidCID
	}
	pref := b.Cid().Prefix()
	codec, err := codecName(pref.Codec)
	if err != nil {
		return err
	}
	mh, ok := multihash.Codes[pref.MhType]
	if !ok {
		return fmt.Errorf("ipfs: unsupported multihash 0x%x", pref.MhType)
	}

	// Explicit parameters so Kubo derives the same multihash we were given.
	out, err := s.run(ctx, b.RawData(),
		"block", "put",
		"--quiet",
		"--cid-codec="+codec,
		"--mhtype="+mh,
		fmt.Sprintf("--mhlen=%d", pref.MhLength),
		"/dev/stdin",
	)
	if err != nil {
		return err
	}

	got, err := cid.Decode(strings.TrimSpace(string(out)))
	if err != nil {
		return fmt.Errorf("ipfs: unexpected block put output: %w", err)
	}
	// Kubo may answer with a different CID version; the multihash is what matters.
	if !bytes.Equal(got.Hash(), b.Cid().Hash()) {
		return storage.ErrCIDMismatch
	}
	return nil
}

func (s *Store) PutMany(ctx context.Context, bs []blocks.Block) error {
	for _, b := range bs {
		if err := s.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}

	out, err := s.run(ctx, nil, "block", "get", id.String())
	if err != nil {
		if isLikelyNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return cidutil.BlockFor(id, out)
}

func (s *Store) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	_, err := s.run(ctx, nil, "block", "stat", id.String())
	if err == nil {
		return true, nil
	}
	if isLikelyNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Delete(ctx context.Context, id cid.Cid) error {
	if !id.Defined() {
		return storage.ErrInvalidCID
	}
	// --force: a missing block is not an error.
	_, err := s.run(ctx, nil, "block", "rm", "--force", "--quiet", id.String())
	return err
}

func (s *Store) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	args = append([]string{"--offline"}, args...)
	cmd := exec.CommandContext(ctx, s.bin, args...)
	if s.env != nil {
		cmd.Env = s.env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		msg := strings.TrimSpace(string(ee.Stderr))
		if msg == "" {
			return nil, fmt.Errorf("ipfs: %v", err)
		}
		return nil, fmt.Errorf("ipfs: %s", msg)
	}
	return nil, err
}

func isLikelyNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "block not found")
}

// codecName returns the multicodec table name Kubo expects for --cid-codec.
func codecName(code uint64) (string, error) {
	name := multicodec.Code(code).String()
	var back multicodec.Code
	if err := back.Set(name); err != nil || uint64(back) != code {
		return "", fmt.Errorf("ipfs: unsupported codec 0x%x", code)
	}
	return name, nil
}
