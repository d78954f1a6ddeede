package badgerstore

import (
	"flag"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/registry"
)

var (
	flagDir  string
	flagSync bool
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "badger",
		Description: "BadgerDB block store (directory)",
		Usage:       registry.UsageCLI | registry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagDir, "badger-dir", "", "BadgerDB directory (for --backend=badger)")
			fs.BoolVar(&flagSync, "badger-sync", false, "Fsync every write (for --backend=badger)")
		},
		Open: func() (storage.Blockstore, func() error, error) {
			return open(flagDir, flagSync)
		},
		OpenConfig: func(cfg map[string]string) (storage.Blockstore, func() error, error) {
			sync := false
			if v := cfg["badger-sync"]; v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return nil, nil, fmt.Errorf("badger-sync: %w", err)
				}
				sync = b
			}
			return open(cfg["badger-dir"], sync)
		},
	})
}

func open(dir string, sync bool) (storage.Blockstore, func() error, error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("missing --badger-dir")
	}
	s, err := Open(Options{Dir: dir, SyncWrites: sync, Logger: zap.L().Named("badger")})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
