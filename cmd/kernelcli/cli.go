// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
	"github.com/westerndigitalcorporation/vatkernel/pkg/failures"
)

var usage = `
	kernelcli inspects and exercises kernel databases.

	Issue one command against a database:

		kernelcli --db <path> [--backend bolt|sqlite] <subcommand> [<flags>...]

	or start an interpreter:

		kernelcli --db <path> shell

	Without --db, an in-memory database is used, which is mostly useful with
	the pingpong command.

	Two processes can talk to each other through comms:

		kernelcli serve --listen :4460 --peer hostb:4460 --ping 1s
		kernelcli serve --listen :4460 --peer hosta:4460
	`

// kernelCli holds the database and kernel the commands work on. Both are
// opened on first use and kept until stop.
type kernelCli struct {
	app *cli.App

	store kvstore.Store
	k     *kernel.Kernel

	// True once the http server is running.
	serving bool

	// Closed to ask a long running command to return. 'looping' is set
	// while such a command is running.
	quit    chan struct{}
	looping int32
}

func newKernelCli() *kernelCli {
	b := &kernelCli{quit: make(chan struct{})}
	app := cli.NewApp()
	app.Name = "kernelcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "db, d",
			Usage: "Path of the kernel database",
		},
		cli.StringFlag{
			Name:  "backend, b",
			Usage: "Database backend: bolt or sqlite",
			Value: "bolt",
		},
		cli.BoolFlag{
			Name:  "failures",
			Usage: "Enable delivery failure injection through the failure service",
		},
		cli.StringFlag{
			Name:  "http",
			Usage: "Address to serve /metrics and the failure service on",
		},
	}

	fileFlag := cli.StringFlag{
		Name:  "file, f",
		Usage: "Snapshot file",
	}

	app.Commands = []cli.Command{
		{
			Name:   "dump",
			Usage:  "Prints every kernel table as JSON.",
			Action: b.cmdDump,
		},
		{
			Name:   "stats",
			Usage:  "Prints kernel statistics.",
			Action: b.cmdStats,
		},
		{
			Name:   "checksum",
			Usage:  "Prints the crank number, activity hash and store checksum.",
			Action: b.cmdChecksum,
		},
		{
			Name:  "transcript",
			Usage: "Prints the transcript of a vat.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "vat, v", Usage: "vat ID, e.g. v1"},
				cli.IntFlag{Name: "from", Usage: "first entry to print"},
			},
			Action: b.cmdTranscript,
		},
		{
			Name:   "snapshot",
			Usage:  "Writes the database to a snapshot file.",
			Flags:  []cli.Flag{fileFlag},
			Action: b.cmdSnapshot,
		},
		{
			Name:   "restore",
			Usage:  "Replaces the database with a snapshot file.",
			Flags:  []cli.Flag{fileFlag},
			Action: b.cmdRestore,
		},
		{
			Name:  "pingpong",
			Usage: "Runs messages between this kernel and an in-memory one through comms.",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "rounds, n", Usage: "number of round trips", Value: 10},
			},
			Action: b.cmdPingPong,
		},
		{
			Name:  "serve",
			Usage: "Connects this kernel to a peer process over RPC and answers its pings.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Usage: "address to receive comms messages on", Value: "localhost:4460"},
				cli.StringFlag{Name: "peer, p", Usage: "address of the peer's listener"},
				cli.StringFlag{Name: "name", Usage: "what the peer calls us", Value: "peer"},
				cli.DurationFlag{Name: "ping", Usage: "how often to ping the peer, 0 for never"},
			},
			Action: b.cmdServe,
		},
		{
			Name:   "metrics",
			Usage:  "Prints the process metrics.",
			Action: b.cmdMetrics,
		},
		{
			Name:   "summary",
			Usage:  "Prints delivery counts and latencies.",
			Action: b.cmdSummary,
		},
		{
			Name:   "shell",
			Usage:  "Starts a command interpreter.",
			Action: b.cmdShell,
		},
	}
	app.Before = b.beforeSubcommandRun
	b.app = app

	// Help should show the command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

func (b *kernelCli) run(args []string) error {
	return b.app.Run(args)
}

// interrupt asks a running serve loop to return and reports whether there
// was one. Otherwise the caller must stop and exit.
func (b *kernelCli) interrupt() bool {
	if atomic.LoadInt32(&b.looping) == 0 {
		return false
	}
	close(b.quit)
	return true
}

// stop closes the database.
func (b *kernelCli) stop() {
	if b.k != nil {
		b.k.Close()
		b.k = nil
	} else if b.store != nil {
		b.store.Close()
	}
	b.store = nil
}

func (b *kernelCli) beforeSubcommandRun(c *cli.Context) error {
	if addr := c.GlobalString("http"); addr != "" && !b.serving {
		b.serving = true
		failures.Init()
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Errorf("http server stopped: %v", http.ListenAndServe(addr, nil))
		}()
		log.Infof("serving metrics and failures on %s", addr)
	}
	return nil
}

// getStore opens the database named by the global flags.
func (b *kernelCli) getStore(c *cli.Context) kvstore.Store {
	if b.store != nil {
		return b.store
	}
	path := c.GlobalString("db")
	if path == "" {
		b.store = kvstore.NewMemStore()
		return b.store
	}
	var err error
	switch backend := c.GlobalString("backend"); backend {
	case "bolt":
		b.store, err = kvstore.OpenBolt(path)
	case "sqlite":
		b.store, err = kvstore.OpenSqlite(path)
	default:
		err = fmt.Errorf("unknown backend %q", backend)
	}
	if err != nil {
		log.Errorf("Failed to open %s: %v", path, err)
		os.Exit(1)
	}
	return b.store
}

// getKernel returns a kernel over the database. Vats are not attached, so
// it can be inspected but not run.
func (b *kernelCli) getKernel(c *cli.Context) *kernel.Kernel {
	if b.k == nil {
		cfg := kernel.DefaultConfig
		cfg.UseFailure = c.GlobalBool("failures")
		b.k = kernel.New(b.getStore(c), cfg)
	}
	return b.k
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("Failed to encode to JSON: %v", err)
		return
	}
	fmt.Println(string(data))
}

func (b *kernelCli) cmdDump(c *cli.Context) {
	printJSON(b.getKernel(c).Dump())
}

func (b *kernelCli) cmdStats(c *cli.Context) {
	stats := b.getKernel(c).Dump().Stats
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-28s %d\n", name, stats[name])
	}
}

func (b *kernelCli) cmdChecksum(c *cli.Context) {
	k := b.getKernel(c)
	d := k.Dump()
	fmt.Printf("crank:    %d\n", d.CrankNumber)
	fmt.Printf("activity: %s\n", d.ActivityHash)
	fmt.Printf("checksum: %016x\n", b.getStore(c).Checksum())
}

func (b *kernelCli) cmdTranscript(c *cli.Context) {
	vatID, err := core.ParseVatID(c.String("vat"))
	if err != nil {
		log.Errorf("Bad vat ID: %v", err)
		return
	}
	k := b.getKernel(c)
	entries, err := k.Keeper().ProvideVatKeeper(vatID).GetTranscript(uint64(c.Int("from")))
	if err != nil {
		log.Errorf("Failed to read transcript: %v", err)
		return
	}
	for _, e := range entries {
		fmt.Printf("crank %d: %s -> %s\n", e.CrankNumber, e.Delivery, e.Status)
		for _, s := range e.Syscalls {
			fmt.Printf("    %s -> %s\n", s.Request, s.Result)
		}
	}
}

func (b *kernelCli) cmdSnapshot(c *cli.Context) {
	name := c.String("file")
	if name == "" {
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return
	}
	f, err := os.Create(name)
	if err != nil {
		log.Errorf("Failed to create %s: %v", name, err)
		return
	}
	defer f.Close()
	n, err := kvstore.Snapshot(b.getStore(c), f)
	if err != nil {
		log.Errorf("Snapshot failed: %v", err)
		return
	}
	log.Infof("wrote %d keys to %s", n, name)
}

func (b *kernelCli) cmdRestore(c *cli.Context) {
	name := c.String("file")
	if name == "" {
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return
	}
	if b.k != nil {
		log.Errorf("The kernel is open; restore before using other commands.")
		return
	}
	f, err := os.Open(name)
	if err != nil {
		log.Errorf("Failed to open %s: %v", name, err)
		return
	}
	defer f.Close()
	if err := kvstore.Restore(b.getStore(c), f); err != nil {
		log.Errorf("Restore failed: %v", err)
		return
	}
	log.Infof("restored from %s", name)
}

func (b *kernelCli) cmdMetrics(c *cli.Context) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Errorf("Failed to gather metrics: %v", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fmt.Printf("%s%s %s\n", mf.GetName(), labelString(m.GetLabel()), metricValue(mf.GetType(), m))
		}
	}
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func metricValue(t dto.MetricType, m *dto.Metric) string {
	switch t {
	case dto.MetricType_COUNTER:
		return fmt.Sprint(m.GetCounter().GetValue())
	case dto.MetricType_GAUGE:
		return fmt.Sprint(m.GetGauge().GetValue())
	case dto.MetricType_SUMMARY:
		s := m.GetSummary()
		return fmt.Sprintf("count=%d sum=%g", s.GetSampleCount(), s.GetSampleSum())
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return fmt.Sprintf("count=%d sum=%g", h.GetSampleCount(), h.GetSampleSum())
	}
	return fmt.Sprint(m.GetUntyped().GetValue())
}

func (b *kernelCli) cmdSummary(c *cli.Context) {
	summary := kernel.DeliverySummary()
	types := make([]string, 0, len(summary))
	for t := range summary {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("%-18s %s\n", t, summary[t])
	}
	fmt.Printf("%-18s %s\n", "dispatch", kernel.CrankSummary())
}

func (b *kernelCli) cmdShell(c *cli.Context) {
	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) (out []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, input) {
				out = append(out, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(kernel) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// Split with shell-style quoting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}
		if b.runCommand(c, args...) == nil {
			line.AppendHistory(input)
		}
	}
}

// runCommand runs a command from the interpreter, keeping the global flags.
func (b *kernelCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"cli", "--db", c.GlobalString("db"), "--backend", c.GlobalString("backend")}
	if c.GlobalBool("failures") {
		cliArgs = append(cliArgs, "--failures")
	}
	return b.run(append(cliArgs, args...))
}
