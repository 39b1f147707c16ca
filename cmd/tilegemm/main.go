// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilegemm checks, tunes and runs the cache-blocked GEMM kernel.
//
// Usage:
//
//	tilegemm [-v=<level>] <command> [flags]
//
// Commands:
//
//	check   Verify the kernel against the reference on many shapes.
//	tune    Search the fastest tiling parameters for a shape.
//	run     Run a program description once, reading and writing raw float files.
//	serve   Serve a program over shared memory, signalled through stdin/stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"

	"k8s.io/klog/v2"
)

// command is one of the subcommands: setup defines its flags and returns the function that
// runs it, after the flags are parsed.
type command struct {
	name, help string
	setup      func(fs *flag.FlagSet) func(ctx context.Context, args []string) error
}

var commands = []command{
	{"check", "Verify the kernel against the reference on many shapes.", setupCheck},
	{"tune", "Search the fastest tiling parameters for a shape.", setupTune},
	{"run", "Run a program description once, reading and writing raw float files.", setupRun},
	{"serve", "Serve a program over shared memory, signalled through stdin/stdout.", setupServe},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %-8s%s\n", cmd.name, cmd.help)
	}
	_, _ = fmt.Fprintf(out, "\nUse \"%s <command> -help\" for the flags of a command.\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing command. See '%s -help'", os.Args[0])
		os.Exit(1)
	}
	cmdIdx := slices.IndexFunc(commands, func(cmd command) bool { return cmd.name == args[0] })
	if cmdIdx < 0 {
		klog.Errorf("Unknown command %q. See '%s -help'", args[0], os.Args[0])
		os.Exit(1)
	}
	cmd := commands[cmdIdx]
	fs := flag.NewFlagSet(cmd.name, flag.ExitOnError)
	run := cmd.setup(fs)
	_ = fs.Parse(args[1:]) // ExitOnError.

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, fs.Args()); err != nil {
		klog.Errorf("%s failed: %+v", cmd.name, err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
