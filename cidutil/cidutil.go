package cidutil

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"xdao.co/blockservice/storage"
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// NewRawBlock wraps data in a block addressed by its CIDv1 (raw + sha2-256).
func NewRawBlock(data []byte) (blocks.Block, error) {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, id)
}

// Sum recomputes the CID of data using the prefix (version, codec, hash) of id.
func Sum(id cid.Cid, data []byte) (cid.Cid, error) {
	if !id.Defined() {
		return cid.Undef, storage.ErrInvalidCID
	}
	return id.Prefix().Sum(data)
}

// BlockFor verifies that data hashes to id and returns it as a block.
//
// It returns storage.ErrCIDMismatch when the bytes do not match.
func BlockFor(id cid.Cid, data []byte) (blocks.Block, error) {
	got, err := Sum(id, data)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, storage.ErrCIDMismatch
	}
	return blocks.NewBlockWithCid(data, id)
}

// Verify checks that b's payload hashes to b's CID.
func Verify(b blocks.Block) error {
	if b == nil {
		return storage.ErrInvalidCID
	}
	got, err := Sum(b.Cid(), b.RawData())
	if err != nil {
		return err
	}
	if !got.Equals(b.Cid()) {
		return storage.ErrCIDMismatch
	}
	return nil
}
