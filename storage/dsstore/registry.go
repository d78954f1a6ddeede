package dsstore

import (
	"flag"

	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/registry"
)

func init() {
	open := func() (storage.Blockstore, func() error, error) {
		s := NewMemory()
		return s, s.Close, nil
	}
	registry.MustRegister(registry.Backend{
		Name:          "memory",
		Description:   "In-memory datastore (contents are lost on exit)",
		Usage:         registry.UsageCLI | registry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {},
		Open:          open,
		OpenConfig: func(map[string]string) (storage.Blockstore, func() error, error) {
			return open()
		},
	})
}
