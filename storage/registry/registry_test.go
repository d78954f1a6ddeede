package registry

import (
	"flag"
	"testing"

	"xdao.co/blockservice/storage"
)

func TestRegister_Validation(t *testing.T) {
	noop := func(*flag.FlagSet) {}
	open := func() (storage.Blockstore, func() error, error) { return nil, nil, nil }

	cases := []Backend{
		{},
		{Name: "x"},
		{Name: "x", RegisterFlags: noop},
		{Name: "x", RegisterFlags: noop, Open: open},
	}
	for i, b := range cases {
		if err := Register(b); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestRegisterListOpen(t *testing.T) {
	var opened string
	MustRegister(Backend{
		Name:          "test-daemon-only",
		Usage:         UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) { fs.String("test-daemon-only-dir", "", "") },
		Open: func() (storage.Blockstore, func() error, error) {
			opened = "flags"
			return nil, nil, nil
		},
		OpenConfig: func(cfg map[string]string) (storage.Blockstore, func() error, error) {
			opened = cfg["k"]
			return nil, nil, nil
		},
	})

	if err := Register(Backend{Name: "test-daemon-only", Usage: UsageCLI,
		RegisterFlags: func(*flag.FlagSet) {},
		Open:          func() (storage.Blockstore, func() error, error) { return nil, nil, nil },
	}); err == nil {
		t.Fatalf("duplicate registration must fail")
	}

	for _, n := range Names(UsageCLI) {
		if n == "test-daemon-only" {
			t.Fatalf("daemon-only backend listed for CLI")
		}
	}
	found := false
	for _, n := range Names(UsageDaemon) {
		found = found || n == "test-daemon-only"
	}
	if !found {
		t.Fatalf("backend missing from daemon list")
	}

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	RegisterFlags(fs, UsageDaemon)
	if fs.Lookup("test-daemon-only-dir") == nil {
		t.Fatalf("backend flags not registered")
	}

	if _, _, err := Open("test-daemon-only", UsageCLI); err == nil {
		t.Fatalf("Open must reject a backend outside its usage")
	}
	if _, _, err := Open("test-daemon-only", UsageDaemon); err != nil || opened != "flags" {
		t.Fatalf("Open: err=%v opened=%q", err, opened)
	}
	if _, _, err := OpenWithConfig("test-daemon-only", UsageDaemon, map[string]string{"k": "cfg"}); err != nil || opened != "cfg" {
		t.Fatalf("OpenWithConfig: err=%v opened=%q", err, opened)
	}
	if _, _, err := Open("no-such-backend", UsageDaemon); err == nil {
		t.Fatalf("unknown backend must fail")
	}
}
