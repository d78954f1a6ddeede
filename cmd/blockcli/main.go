package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/blockservice/blockservice"
	"xdao.co/blockservice/bundle"
	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/config"
	"xdao.co/blockservice/internal/logging"
	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/registry"

	_ "xdao.co/blockservice/storage/badgerstore"
	_ "xdao.co/blockservice/storage/dsstore"
	_ "xdao.co/blockservice/storage/grpcstore"
	_ "xdao.co/blockservice/storage/ipfs"
	_ "xdao.co/blockservice/storage/localfs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "put":
		return cmdPut(args[1:], out, errOut)
	case "get":
		return cmdGet(args[1:], out, errOut)
	case "rm":
		return cmdRm(args[1:], out, errOut)
	case "export":
		return cmdExport(args[1:], out, errOut)
	case "import":
		return cmdImport(args[1:], out, errOut)
	case "list-backends":
		printBackends(out)
		return 0
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "blockcli: read and write content-addressed blocks")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  blockcli put    [common flags] <file> [<file> ...]")
	fmt.Fprintln(w, "  blockcli get    [common flags] --cid <cid> [--out <file>]")
	fmt.Fprintln(w, "  blockcli rm     [common flags] --cid <cid>")
	fmt.Fprintln(w, "  blockcli export [common flags] --cid <cid> [--cid ...] [--label name=<cid>] [--index] [--out <file>]")
	fmt.Fprintln(w, "  blockcli import [common flags] [--ignore-unknown] [--batch-size N] <bundle.tar>")
	fmt.Fprintln(w, "  blockcli list-backends")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --backend <name>       local store backend (default localfs)")
	fmt.Fprintln(w, "  --config <file>        JSON config; overrides --backend")
	fmt.Fprintln(w, "  --peer <host:port>     fetch through a blockserviced peer (repeatable); enables online mode")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - put stores raw blocks (CIDv1 raw + sha2-256)")
	fmt.Fprintln(w, "  - rm only ever removes from the local store")
}

type commonFlags struct {
	backend      string
	configPath   string
	peers        multiString
	concurrency  int
	fetchTimeout time.Duration
	logLevel     string
}

func (c *commonFlags) add(fs *flag.FlagSet) {
	fs.StringVar(&c.backend, "backend", "localfs", "Local store backend name")
	fs.StringVar(&c.configPath, "config", "", "Path to a JSON config file (optional)")
	fs.Var(&c.peers, "peer", "Peer gRPC target host:port (repeatable)")
	fs.IntVar(&c.concurrency, "concurrency", 0, "Max in-flight peer fetches (0 uses the exchange default)")
	fs.DurationVar(&c.fetchTimeout, "fetch-timeout", 0, "Per-peer fetch timeout (0 disables)")
	fs.StringVar(&c.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	registry.RegisterFlags(fs, registry.UsageCLI)
}

// openService opens the local store and, when peers are given on the command
// line or in the config, puts the service online.
func (c *commonFlags) openService() (blockservice.BlockService, func() error, error) {
	log, err := logging.New(logging.Options{Level: c.logLevel})
	if err != nil {
		return nil, nil, err
	}
	opts := config.ServiceOptions{Logger: log}

	var cfg config.Config
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
		if err != nil {
			return nil, nil, err
		}
	}
	if len(c.peers) > 0 {
		if cfg.Exchange == nil {
			cfg.Exchange = &config.ExchangeConfig{}
		}
		for _, p := range c.peers {
			cfg.Exchange.Peers = append(cfg.Exchange.Peers, config.PeerConfig{Name: p, Target: p})
		}
		if c.concurrency > 0 {
			cfg.Exchange.Concurrency = c.concurrency
		}
		if c.fetchTimeout > 0 {
			cfg.Exchange.FetchTimeout = c.fetchTimeout.String()
		}
	}

	if c.configPath != "" {
		svc, closeFn, err := cfg.OpenService(registry.UsageCLI, opts)
		if err != nil {
			return nil, nil, err
		}
		return svc, withSync(closeFn, log), nil
	}

	store, closeStore, err := registry.Open(c.backend, registry.UsageCLI)
	if err != nil {
		return nil, nil, err
	}
	if closeStore == nil {
		closeStore = func() error { return nil }
	}
	if !cfg.Online() {
		return blockservice.NewOffline(store), withSync(closeStore, log), nil
	}
	svc, closeExchange, err := config.Connect(store, *cfg.Exchange, opts)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return svc, withSync(func() error {
		return errors.Join(closeExchange(), closeStore())
	}, log), nil
}

func withSync(closeFn func() error, log *zap.Logger) func() error {
	return func() error {
		err := closeFn()
		_ = log.Sync()
		return err
	}
}

func printBackends(w io.Writer) {
	for _, b := range registry.List(registry.UsageCLI) {
		if b.Description == "" {
			_, _ = fmt.Fprintf(w, "%s\n", b.Name)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
	}
}

func cmdPut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: blockcli put [common flags] <file> [<file> ...]")
		return 2
	}

	bs := make([]blocks.Block, 0, fs.NArg())
	for _, p := range fs.Args() {
		data, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(p), err)
			return 1
		}
		b, err := cidutil.NewRawBlock(data)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		bs = append(bs, b)
	}

	svc, closeFn, err := common.openService()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	ctx := context.Background()
	if len(bs) == 1 {
		err = svc.Put(ctx, bs[0])
	} else {
		err = svc.PutMany(ctx, bs)
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	for _, b := range bs {
		_, _ = fmt.Fprintln(out, b.Cid().String())
	}
	return 0
}

func cmdGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)

	var cidStr string
	var outPath string
	fs.StringVar(&cidStr, "cid", "", "CID to fetch")
	fs.StringVar(&outPath, "out", "", "Output file (optional; default stdout)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cidStr == "" {
		fmt.Fprintln(errOut, "missing --cid")
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: blockcli get [common flags] --cid <cid> [--out <file>]")
		return 2
	}

	id, err := cid.Decode(cidStr)
	if err != nil {
		fmt.Fprintln(errOut, storage.ErrInvalidCID)
		return 1
	}

	svc, closeFn, err := common.openService()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	b, err := svc.Get(context.Background(), id)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	if outPath == "" {
		_, _ = out.Write(b.RawData())
		return 0
	}
	if err := os.WriteFile(outPath, b.RawData(), 0o600); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", outPath, err)
		return 1
	}
	return 0
}

func cmdRm(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)

	var cidStr string
	fs.StringVar(&cidStr, "cid", "", "CID to remove from the local store")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cidStr == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: blockcli rm [common flags] --cid <cid>")
		return 2
	}

	id, err := cid.Decode(cidStr)
	if err != nil {
		fmt.Fprintln(errOut, storage.ErrInvalidCID)
		return 1
	}

	svc, closeFn, err := common.openService()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	if err := svc.Delete(context.Background(), id); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, id.String())
	return 0
}

func cmdExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)

	var cids multiString
	var labels multiString
	var outPath string
	var includeIndex bool
	fs.Var(&cids, "cid", "CID to export (repeatable)")
	fs.Var(&labels, "label", "Index label name=<cid> (repeatable)")
	fs.StringVar(&outPath, "out", "", "Output file (optional; default stdout)")
	fs.BoolVar(&includeIndex, "index", false, "Include index.json")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(cids) == 0 || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: blockcli export [common flags] --cid <cid> [--cid ...] [--label name=<cid>] [--index] [--out <file>]")
		return 2
	}

	ids := make([]cid.Cid, 0, len(cids))
	for _, s := range cids {
		id, err := cid.Decode(s)
		if err != nil {
			fmt.Fprintln(errOut, storage.ErrInvalidCID)
			return 1
		}
		ids = append(ids, id)
	}
	opts := bundle.ExportOptions{IncludeIndex: includeIndex || len(labels) > 0}
	if len(labels) > 0 {
		opts.Labels = make(map[string]cid.Cid, len(labels))
		for _, l := range labels {
			name, v, ok := strings.Cut(l, "=")
			if !ok || name == "" {
				fmt.Fprintf(errOut, "invalid --label %q (want name=<cid>)\n", l)
				return 2
			}
			id, err := cid.Decode(v)
			if err != nil {
				fmt.Fprintln(errOut, storage.ErrInvalidCID)
				return 1
			}
			opts.Labels[name] = id
		}
	}

	svc, closeFn, err := common.openService()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	w := out
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintf(errOut, "create %s: %v\n", outPath, err)
			return 1
		}
		defer f.Close()
		w = f
	}
	if err := bundle.Export(context.Background(), w, svc, ids, opts); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func cmdImport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)

	var opts bundle.ImportOptions
	fs.BoolVar(&opts.IgnoreUnknown, "ignore-unknown", false, "Skip unknown bundle entries instead of failing")
	fs.IntVar(&opts.BatchSize, "batch-size", bundle.DefaultBatchSize, "Blocks per batched write")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: blockcli import [common flags] [--ignore-unknown] [--batch-size N] <bundle.tar>")
		return 2
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "open %s: %v\n", filepath.Base(fs.Arg(0)), err)
		return 1
	}
	defer f.Close()

	svc, closeFn, err := common.openService()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	ids, err := bundle.ImportWithOptions(context.Background(), f, svc, opts)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	for _, id := range ids {
		_, _ = fmt.Fprintln(out, id.String())
	}
	return 0
}

type multiString []string

func (m *multiString) String() string { return strings.Join(*m, ",") }

func (m *multiString) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty value")
	}
	*m = append(*m, v)
	return nil
}
