package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"xdao.co/blockservice/blockservice"
	"xdao.co/blockservice/exchange/peer"
	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/grpcstore"
	"xdao.co/blockservice/storage/registry"
)

// Config describes how to open the local block store and, optionally, the
// peers that put the block service online.
//
// Callers still need to link desired backend plugins via blank imports.
//
// WritePolicy values:
// - "first" (default): write only to the first backend; reads fall back in order
// - "all": write to all backends (see storage.ReplicatingStore)
//
// Example:
//
//	{
//	  "write_policy": "all",
//	  "backends": [
//	    {"name":"badger", "config":{"badger-dir":"/var/lib/blocks"}},
//	    {"name":"localfs", "id":"mirror", "config":{"localfs-dir":"/mnt/mirror"}}
//	  ],
//	  "exchange": {
//	    "peers": [{"name":"node-b", "target":"10.0.0.2:7777"}],
//	    "concurrency": 16,
//	    "fetch_timeout": "10s"
//	  }
//	}
//
// Note: Config values are backend-specific.
// Each backend may document accepted keys (usually mirroring CLI flag names).
type Config struct {
	WritePolicy string          `json:"write_policy,omitempty"`
	Backends    []BackendConfig `json:"backends"`
	Exchange    *ExchangeConfig `json:"exchange,omitempty"`
}

type BackendConfig struct {
	// Name is the registry backend name to open (e.g. "badger", "localfs", "ipfs").
	Name string `json:"name"`
	// ID is an optional stable alias used for identification in replication reports.
	// If empty, Name is used.
	ID     string            `json:"id,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

// ExchangeConfig lists the peers used when online. No peers means offline.
type ExchangeConfig struct {
	Peers        []PeerConfig `json:"peers"`
	Concurrency  int          `json:"concurrency,omitempty"`
	FetchTimeout string       `json:"fetch_timeout,omitempty"`
}

type PeerConfig struct {
	Name   string `json:"name,omitempty"`
	Target string `json:"target"`
}

func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("config: at least one backend is required")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New("config: backend name is required")
		}
		id := b.Name
		if b.ID != "" {
			id = b.ID
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("config: duplicate backend id %q", id)
		}
		seen[id] = struct{}{}
	}
	switch c.WritePolicy {
	case "", "first", "all":
	default:
		return fmt.Errorf("config: invalid write_policy %q", c.WritePolicy)
	}
	if c.Exchange != nil {
		for i, p := range c.Exchange.Peers {
			if p.Target == "" {
				return fmt.Errorf("config: exchange peer %d has no target", i)
			}
		}
		if c.Exchange.Concurrency < 0 {
			return errors.New("config: exchange concurrency must not be negative")
		}
		if _, err := c.Exchange.fetchTimeout(); err != nil {
			return err
		}
	}
	return nil
}

// Online reports whether the configuration names at least one peer.
func (c Config) Online() bool {
	return c.Exchange != nil && len(c.Exchange.Peers) > 0
}

func (e *ExchangeConfig) fetchTimeout() (time.Duration, error) {
	if e.FetchTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.FetchTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: invalid fetch_timeout: %w", err)
	}
	return d, nil
}

// Open opens the local block store per config.
//
// If preferredBackend is non-empty, backends are reordered so preferredBackend
// is first (and thus used for writes when WritePolicy=="first").
func (c Config) Open(usage registry.Usage, preferredBackend string) (storage.Blockstore, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	ordered := append([]BackendConfig(nil), c.Backends...)
	if preferredBackend != "" {
		idx := -1
		for i := range ordered {
			if ordered[i].Name == preferredBackend || ordered[i].ID == preferredBackend {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, nil, fmt.Errorf("config: preferred backend %q not found in config", preferredBackend)
		}
		if idx != 0 {
			b := ordered[idx]
			copy(ordered[1:idx+1], ordered[0:idx])
			ordered[0] = b
		}
	}

	named := make([]storage.NamedStore, 0, len(ordered))
	closers := make([]func() error, 0, len(ordered))
	for _, b := range ordered {
		store, closeFn, err := registry.OpenWithConfig(b.Name, usage, b.Config)
		if err != nil {
			_ = closeAll(closers)()
			return nil, nil, err
		}
		name := b.Name
		if b.ID != "" {
			name = b.ID
		}
		named = append(named, storage.NamedStore{Name: name, Store: store})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	if len(named) == 1 {
		return named[0].Store, closeAll(closers), nil
	}

	switch c.WritePolicy {
	case "", "first":
		stores := make([]storage.Blockstore, 0, len(named))
		for _, n := range named {
			stores = append(stores, n.Store)
		}
		return storage.MultiStore{Stores: stores}, closeAll(closers), nil
	case "all":
		return storage.ReplicatingStore{Backends: named}, closeAll(closers), nil
	default:
		_ = closeAll(closers)()
		return nil, nil, fmt.Errorf("config: invalid write_policy %q", c.WritePolicy)
	}
}

// ServiceOptions carries the ambient dependencies of OpenService.
type ServiceOptions struct {
	PreferredBackend string
	Logger           *zap.Logger
	// ExchangeMetrics is passed to the peer exchange when online.
	ExchangeMetrics *peer.Metrics
}

// OpenService opens the local store and builds the block service on top of it.
// The service is online iff the config names at least one exchange peer.
func (c Config) OpenService(usage registry.Usage, opts ServiceOptions) (blockservice.BlockService, func() error, error) {
	store, closeStore, err := c.Open(usage, opts.PreferredBackend)
	if err != nil {
		return nil, nil, err
	}
	if !c.Online() {
		return blockservice.NewOffline(store), closeStore, nil
	}
	svc, closeExchange, err := Connect(store, *c.Exchange, opts)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return svc, closeAll([]func() error{closeStore, closeExchange}), nil
}

// Connect dials every peer in ex and returns an online block service over
// store. The returned close function releases the peer connections only.
func Connect(store storage.Blockstore, ex ExchangeConfig, opts ServiceOptions) (blockservice.BlockService, func() error, error) {
	if len(ex.Peers) == 0 {
		return nil, nil, errors.New("config: exchange has no peers")
	}
	timeout, err := ex.fetchTimeout()
	if err != nil {
		return nil, nil, err
	}
	var closers []func() error
	peers := make([]peer.Peer, 0, len(ex.Peers))
	for i, p := range ex.Peers {
		client, err := grpcstore.Dial(p.Target, grpcstore.DialOptions{Timeout: 5 * time.Second})
		if err != nil {
			_ = closeAll(closers)()
			return nil, nil, fmt.Errorf("config: dial peer %q: %w", p.Target, err)
		}
		client.Relayed = true
		closers = append(closers, client.Close)
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("peer-%d", i)
		}
		peers = append(peers, peer.Peer{Name: name, Store: client})
	}

	x := peer.New(store, peers, peer.Options{
		Concurrency:  ex.Concurrency,
		FetchTimeout: timeout,
		Logger:       opts.Logger,
		Metrics:      opts.ExchangeMetrics,
	})
	return blockservice.NewOnline(store, x), closeAll(closers), nil
}

// closeAll returns a function closing fns in reverse order and reporting the first error.
func closeAll(fns []func() error) func() error {
	return func() error {
		var firstErr error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}
