// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package config parses the process's external CLI surface (spec.md §6)
// using the standard library flag package: a small explicit option
// struct rather than a functional-options builder.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
)

// Config holds every flag fixed by spec.md §6. `-S` narrows the
// original bitmask (`0xMASK`) to a contiguous card count; see DESIGN.md
// for why.
type Config struct {
	CardBaseIP   net.IP // -s
	Port         int    // -p
	NumFEMs      int    // -S (card count)
	LocalAddr    string // -c
	ScriptFile   string // -i
	OutputDir    string // -d
	Verbose      int    // -v
	SharedBuffer bool   // --shared-buffer
	ReadOnly     bool   // --read-only
	ROOTCompAlgo string // --root-compression-algorithm
}

// Parse reads args (normally os.Args[1:]) into a Config, printing usage
// and exiting the process on any validation failure — no partial startup
// per spec.md §7.
func Parse(args []string) *Config {
	fs := flag.NewFlagSet("daqhost", flag.ExitOnError)

	var cardIP string
	cfg := &Config{}

	fs.StringVar(&cardIP, "s", "192.168.10.1", "base IPv4 address of card 0")
	fs.IntVar(&cfg.Port, "p", 0, "UDP port the front-end cards listen on")
	fs.IntVar(&cfg.NumFEMs, "S", 1, "number of front-end cards")
	fs.StringVar(&cfg.LocalAddr, "c", "", "local interface address to bind (empty: any)")
	fs.StringVar(&cfg.ScriptFile, "i", "", "input command script file (empty: read from stdin)")
	fs.StringVar(&cfg.OutputDir, "d", ".", "sink output directory")
	fs.IntVar(&cfg.Verbose, "v", 0, "verbosity level")
	fs.BoolVar(&cfg.SharedBuffer, "shared-buffer", false, "enable POSIX shared-memory sink")
	fs.BoolVar(&cfg.ReadOnly, "read-only", false, "disable command sending (monitor only)")
	fs.StringVar(&cfg.ROOTCompAlgo, "root-compression-algorithm", "", "ROOT sink compression algorithm")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg.CardBaseIP = net.ParseIP(cardIP)
	if cfg.CardBaseIP == nil {
		fmt.Fprintf(os.Stderr, "daqhost: invalid -s address %q\n", cardIP)
		os.Exit(1)
	}
	if cfg.NumFEMs <= 0 {
		fmt.Fprintln(os.Stderr, "daqhost: -S must be positive")
		os.Exit(1)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		fmt.Fprintln(os.Stderr, "daqhost: -p must be a valid port number")
		os.Exit(1)
	}

	return cfg
}
