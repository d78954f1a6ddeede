package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"xdao.co/blockservice/blockservice"
	"xdao.co/blockservice/config"
	"xdao.co/blockservice/exchange/peer"
	"xdao.co/blockservice/internal/logging"
	"xdao.co/blockservice/metrics"
	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/grpcstore"
	"xdao.co/blockservice/storage/registry"

	_ "xdao.co/blockservice/storage/badgerstore"
	_ "xdao.co/blockservice/storage/dsstore"
	_ "xdao.co/blockservice/storage/ipfs"
	_ "xdao.co/blockservice/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	listen        string
	metricsListen string
	backend       string
	configPath    string
	peers         []string
	relay         bool
	logLevel      string
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("blockserviced", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var opts options
	var peers string
	fs.StringVar(&opts.listen, "listen", "127.0.0.1:7777", "gRPC listen address")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "HTTP address serving /metrics (empty disables)")
	fs.StringVar(&opts.backend, "backend", "localfs", "Local store backend name")
	fs.StringVar(&opts.configPath, "config", "", "Path to a JSON config file (overrides --backend)")
	fs.StringVar(&peers, "peers", "", "Comma-separated peer gRPC targets")
	fs.BoolVar(&opts.relay, "relay", false, "Serve reads through the block service so misses are fetched from peers")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")

	registry.RegisterFlags(fs, registry.UsageDaemon)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *listBackends {
		for _, b := range registry.List(registry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(out, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}
	for _, p := range strings.Split(peers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			opts.peers = append(opts.peers, p)
		}
	}

	log, err := logging.New(logging.Options{Level: opts.logLevel})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := serve(ctx, opts, log); err != nil {
		log.Error("blockserviced stopped", zap.Error(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, opts options, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := open(opts, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return err
	}

	s := grpc.NewServer()
	grpcstore.RegisterBlockstoreServer(s, d.server(log.Named("grpc")))

	var metricsSrv *http.Server
	if opts.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: opts.metricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(shutdownCtx)
			cancel()
		}
		s.GracefulStop()
	}()

	log.Info("blockserviced listening",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("online", d.svc.Online()),
		zap.Bool("relay", opts.relay),
	)
	return s.Serve(lis)
}

// daemon holds what the gRPC server exposes and how to release it.
type daemon struct {
	svc    blockservice.BlockService
	local  storage.Blockstore
	served storage.Blockstore
	close  func() error
}

// server exposes the served store. Requests relayed by a peer's exchange are
// answered from the local store only.
func (d *daemon) server(log *zap.Logger) *grpcstore.Server {
	return &grpcstore.Server{Store: d.served, Local: d.local, Logger: log}
}

func open(opts options, log *zap.Logger, reg prometheus.Registerer) (*daemon, error) {
	var cfg config.Config
	var store storage.Blockstore
	var closeStore func() error
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		store, closeStore, err = cfg.Open(registry.UsageDaemon, "")
	} else {
		store, closeStore, err = registry.Open(opts.backend, registry.UsageDaemon)
	}
	if err != nil {
		return nil, err
	}
	if closeStore == nil {
		closeStore = func() error { return nil }
	}

	if len(opts.peers) > 0 {
		if cfg.Exchange == nil {
			cfg.Exchange = &config.ExchangeConfig{}
		}
		for _, p := range opts.peers {
			cfg.Exchange.Peers = append(cfg.Exchange.Peers, config.PeerConfig{Name: p, Target: p})
		}
	}

	svc := blockservice.NewOffline(store)
	closeFn := closeStore
	if cfg.Online() {
		online, closeExchange, err := config.Connect(store, *cfg.Exchange, config.ServiceOptions{
			Logger:          log.Named("exchange"),
			ExchangeMetrics: peer.NewMetrics(reg),
		})
		if err != nil {
			_ = closeStore()
			return nil, err
		}
		svc = online
		closeFn = func() error { return errors.Join(closeExchange(), closeStore()) }
	}
	svc = metrics.Instrument(svc, metrics.NewCollectors(reg))

	served := store
	if opts.relay {
		served = relayStore{svc: svc, local: store}
	}
	return &daemon{svc: svc, local: store, served: served, close: closeFn}, nil
}

// relayStore serves a BlockService as a Blockstore. Has only consults the
// local store.
type relayStore struct {
	svc   blockservice.BlockService
	local storage.Blockstore
}

var _ storage.Blockstore = relayStore{}

func (r relayStore) Put(ctx context.Context, b blocks.Block) error { return r.svc.Put(ctx, b) }

func (r relayStore) PutMany(ctx context.Context, bs []blocks.Block) error {
	return r.svc.PutMany(ctx, bs)
}

func (r relayStore) Get(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	return r.svc.Get(ctx, id)
}

func (r relayStore) Has(ctx context.Context, id cid.Cid) (bool, error) { return r.local.Has(ctx, id) }

func (r relayStore) Delete(ctx context.Context, id cid.Cid) error { return r.svc.Delete(ctx, id) }
