// Package bundle exports and imports blocks as deterministic TAR archives.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 2

// DefaultBatchSize is the number of blocks Import hands to one PutMany call.
const DefaultBatchSize = 64

var epoch0 = time.Unix(0, 0).UTC()

// Getter is the read side of a block service.
type Getter interface {
	GetMany(ctx context.Context, ids []cid.Cid) iter.Seq2[blocks.Block, error]
}

// Putter is the write side of a block service.
type Putter interface {
	PutMany(ctx context.Context, bs []blocks.Block) error
}

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// Labels is optional, non-authoritative metadata mapping names to CIDs.
	Labels map[string]cid.Cid
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
}

// Export writes a deterministic TAR bundle containing the blocks for the given CIDs.
//
// The bundle bytes are deterministic: entry order is lexicographic by CID and
// TAR headers are normalized. Blocks are pulled through src.GetMany; blocks
// arriving ahead of their turn are held until the preceding entries are
// written. All exported bytes are validated against their CIDs.
func Export(ctx context.Context, w io.Writer, src Getter, ids []cid.Cid, opts ExportOptions) error {
	if src == nil {
		return fmt.Errorf("bundle: nil source")
	}

	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}

	cidStrings := make([]string, 0, len(uniq))
	for s := range uniq {
		cidStrings = append(cidStrings, s)
	}
	sort.Strings(cidStrings)

	ordered := make([]cid.Cid, 0, len(cidStrings))
	for _, s := range cidStrings {
		ordered = append(ordered, uniq[s])
	}

	tw := tar.NewWriter(w)
	fail := func(err error) error {
		_ = tw.Close()
		return err
	}

	index := make([]indexBlock, 0, len(ordered))
	pending := map[string]blocks.Block{}
	next := 0
	for b, err := range src.GetMany(ctx, ordered) {
		if err != nil {
			return fail(err)
		}
		if err := cidutil.Verify(b); err != nil {
			return fail(err)
		}
		key := b.Cid().String()
		if _, ok := uniq[key]; !ok {
			return fail(fmt.Errorf("bundle: source returned unrequested block %s: %w", key, storage.ErrCIDMismatch))
		}
		pending[key] = b
		for next < len(cidStrings) {
			ready, ok := pending[cidStrings[next]]
			if !ok {
				break
			}
			delete(pending, cidStrings[next])
			if err := writeFile(tw, "blocks/"+cidStrings[next], ready.RawData()); err != nil {
				return fail(err)
			}
			index = append(index, indexBlock{CID: cidStrings[next], Size: len(ready.RawData())})
			next++
		}
	}
	if next != len(cidStrings) {
		return fail(fmt.Errorf("bundle: source returned %d of %d blocks: %w", next, len(cidStrings), storage.ErrNotFound))
	}

	if opts.IncludeIndex {
		idx := indexJSON{
			Version: FormatVersion,
			Blocks:  index,
		}

		if len(opts.Labels) > 0 {
			keys := make([]string, 0, len(opts.Labels))
			for k := range opts.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			labels := make([]indexLabel, 0, len(keys))
			for _, k := range keys {
				if k == "" {
					return fail(fmt.Errorf("bundle: empty label key"))
				}
				v := opts.Labels[k]
				if !v.Defined() {
					return fail(storage.ErrInvalidCID)
				}
				labels = append(labels, indexLabel{Name: k, CID: v.String()})
			}
			idx.Labels = labels
		}

		b, err := marshalCanonicalIndexJSON(idx)
		if err != nil {
			return fail(err)
		}
		if err := writeFile(tw, "index.json", b); err != nil {
			return fail(err)
		}
	}

	return tw.Close()
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool

	// BatchSize is the number of blocks per PutMany call. Zero uses DefaultBatchSize.
	BatchSize int
}

// Import reads a bundle from r and writes all blocks to dst.
//
// Default behavior is fail-closed: unknown entries cause an error.
// Use ImportWithOptions to allow ignoring unknown entries.
func Import(ctx context.Context, r io.Reader, dst Putter) ([]cid.Cid, error) {
	return ImportWithOptions(ctx, r, dst, ImportOptions{})
}

// ImportWithOptions reads a bundle from r and writes all blocks to dst.
//
// It validates each block's bytes against the CID in its entry name and
// returns the imported CIDs in bundle order.
func ImportWithOptions(ctx context.Context, r io.Reader, dst Putter, opts ImportOptions) ([]cid.Cid, error) {
	if dst == nil {
		return nil, fmt.Errorf("bundle: nil destination")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	tr := tar.NewReader(r)
	seen := map[string]struct{}{}
	var imported []cid.Cid
	batch := make([]blocks.Block, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := dst.PutMany(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return imported, flush()
		}
		if err != nil {
			return imported, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return imported, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return imported, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		// Non-authoritative metadata.
		if name == "index.json" || strings.HasPrefix(name, "manifests/") {
			_, _ = io.Copy(io.Discard, tr)
			continue
		}

		if !strings.HasPrefix(name, "blocks/") {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return imported, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		id, derr := cid.Decode(strings.TrimPrefix(name, "blocks/"))
		if derr != nil || !id.Defined() {
			return imported, storage.ErrInvalidCID
		}

		payload, rerr := io.ReadAll(tr)
		if rerr != nil {
			return imported, rerr
		}
		b, berr := cidutil.BlockFor(id, payload)
		if berr != nil {
			return imported, berr
		}

		key := id.String()
		if _, ok := seen[key]; ok {
			return imported, fmt.Errorf("bundle: duplicate block entry: %s", key)
		}
		seen[key] = struct{}{}

		batch = append(batch, b)
		imported = append(imported, id)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return imported, err
			}
		}
	}
}

type indexJSON struct {
	Version int          `json:"version"`
	Blocks  []indexBlock `json:"blocks"`
	Labels  []indexLabel `json:"labels,omitempty"`
}

type indexBlock struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type indexLabel struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

func marshalCanonicalIndexJSON(idx indexJSON) ([]byte, error) {
	// indexJSON is composed only of structs + slices; encoding/json will be deterministic.
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}

	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
		out = append(out, part)
	}
	return strings.Join(out, "/")
}
