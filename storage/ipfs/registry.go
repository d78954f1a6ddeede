package ipfs

import (
	"flag"
	"os"

	"xdao.co/blockservice/storage"
	"xdao.co/blockservice/storage/registry"
)

var (
	flagBin  string
	flagPath string
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "ipfs",
		Description: "Local Kubo repo via the ipfs CLI (offline)",
		Usage:       registry.UsageCLI | registry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagBin, "ipfs-bin", "ipfs", "Path to the ipfs binary (for --backend=ipfs)")
			fs.StringVar(&flagPath, "ipfs-path", "", "IPFS_PATH of the repo; empty uses the environment (for --backend=ipfs)")
		},
		Open: func() (storage.Blockstore, func() error, error) {
			return open(flagBin, flagPath), nil, nil
		},
		OpenConfig: func(cfg map[string]string) (storage.Blockstore, func() error, error) {
			return open(cfg["ipfs-bin"], cfg["ipfs-path"]), nil, nil
		},
	})
}

func open(bin, repo string) storage.Blockstore {
	var env []string
	if repo != "" {
		env = append(os.Environ(), "IPFS_PATH="+repo)
	}
	return New(Options{Bin: bin, Env: env})
}
