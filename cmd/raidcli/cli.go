// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
	"github.com/westerndigitalcorporation/striped/internal/meta"
	"github.com/westerndigitalcorporation/striped/internal/raid"
)

var usage = `
	raidcli drives an in-memory array for experimentation and debugging.
	Create an array with 'create', then write to it, read from it, fail
	and replace devices, scrub it, and reshape it, all without touching
	real disks.

	You can issue one command at a time, chaining setup through --setup:

		raidcli --setup "create --level 6 --disks 6" status

	or start the interactive shell and type commands there:

		raidcli --setup "create --level 5 --disks 4" shell
	`

// raidCli holds one in-memory array and the command framework around it.
type raidCli struct {
	app *cli.App

	cfg   raid.Config
	eng   *raid.Engine
	disks []*raid.MemDisk
}

func newRaidCli() *raidCli {
	r := &raidCli{}
	app := cli.NewApp()
	app.Name = "raidcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "setup",
			Usage: "Commands to run before doing anything else",
		},
	}

	offsetFlag := cli.Uint64Flag{
		Name:  "offset, o",
		Usage: "offset in sectors (default: 0)",
	}
	lengthFlag := cli.IntFlag{
		Name:  "length, l",
		Usage: "length in sectors",
		Value: int(core.BlockSectors),
	}
	diskFlag := cli.IntFlag{
		Name:  "disk, d",
		Usage: "member device index",
	}

	app.Commands = []cli.Command{
		{
			Name:  "create",
			Usage: "Creates a new in-memory array.",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "level", Usage: "4, 5 or 6", Value: 5},
				cli.IntFlag{Name: "disks", Usage: "member devices", Value: 4},
				cli.IntFlag{Name: "chunk", Usage: "chunk size in sectors", Value: 64},
				cli.IntFlag{Name: "sectors", Usage: "sectors per device", Value: 1 << 16},
				cli.StringFlag{Name: "meta", Usage: "path for the checkpoint store (default: in-memory)"},
			},
			Action: r.cmdCreate,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Writes a repeating byte pattern or a file.",
			Flags: []cli.Flag{
				offsetFlag,
				lengthFlag,
				cli.StringFlag{Name: "pattern, p", Usage: "hex byte to repeat", Value: "aa"},
				cli.StringFlag{Name: "file, f", Usage: "file to write data from instead"},
				cli.BoolFlag{Name: "flush", Usage: "apply a write barrier"},
			},
			Action: r.cmdWrite,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads a range and prints it as hex.",
			Flags: []cli.Flag{
				offsetFlag,
				lengthFlag,
			},
			Action: r.cmdRead,
		},
		{
			Name:   "discard",
			Usage:  "Discards a range.",
			Flags:  []cli.Flag{offsetFlag, lengthFlag},
			Action: r.cmdDiscard,
		},
		{
			Name:   "fail",
			Usage:  "Fails a member device.",
			Flags:  []cli.Flag{diskFlag},
			Action: r.cmdFail,
		},
		{
			Name:   "replace",
			Usage:  "Installs a fresh device in a slot and rebuilds it.",
			Flags:  []cli.Flag{diskFlag},
			Action: r.cmdReplace,
		},
		{
			Name:  "sync",
			Usage: "Runs a background pass to completion.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "action", Usage: "check, repair or recover", Value: "check"},
			},
			Action: r.cmdSync,
		},
		{
			Name:  "reshape",
			Usage: "Migrates the array to a new geometry.",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "disks", Usage: "target member count (default: unchanged)"},
				cli.IntFlag{Name: "chunk", Usage: "target chunk size in sectors (default: unchanged)"},
			},
			Action: r.cmdReshape,
		},
		{
			Name:    "status",
			Aliases: []string{"s"},
			Usage:   "Prints array health.",
			Action:  r.cmdStatus,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive shell.",
			Action: r.cmdShell,
		},
	}
	app.Before = r.beforeSubcommandRun
	r.app = app

	for i := range r.app.Commands {
		r.app.Commands[i].HelpName = r.app.Commands[i].Name
	}
	return r
}

func (r *raidCli) run(args []string) error {
	return r.app.Run(args)
}

func (r *raidCli) stop() {
	if r.eng != nil {
		r.eng.Stop()
		r.eng = nil
	}
	for _, d := range r.disks {
		d.Stop()
	}
	r.disks = nil
}

func (r *raidCli) beforeSubcommandRun(c *cli.Context) error {
	for _, command := range c.GlobalStringSlice("setup") {
		log.Infof("Running setup command %q", command)
		args, err := shlex.Split(command)
		if err != nil {
			return err
		}
		if err := r.runCommand(args...); err != nil {
			return err
		}
	}
	return nil
}

func (r *raidCli) runCommand(args ...string) error {
	return r.run(append([]string{"raidcli"}, args...))
}

func (r *raidCli) engine() *raid.Engine {
	if r.eng == nil {
		log.Errorf("No array; run 'create' first.")
		os.Exit(1)
	}
	return r.eng
}

func (r *raidCli) cmdCreate(c *cli.Context) {
	if r.eng != nil {
		log.Errorf("An array already exists.")
		return
	}
	cfg := raid.DefaultConfig
	cfg.Level = core.Level(c.Int("level"))
	cfg.Disks = c.Int("disks")
	cfg.ChunkSectors = core.Sector(c.Int("chunk"))
	cfg.DevSectors = core.Sector(c.Int("sectors"))
	if cfg.Level == core.RAID4 {
		cfg.Layout = core.ParityLast
	}

	var disks []raid.Disk
	for i := 0; i < cfg.Disks; i++ {
		m := raid.NewMemDisk(cfg.DevSectors)
		r.disks = append(r.disks, m)
		disks = append(disks, m)
	}

	var store raid.MetadataStore
	if path := c.String("meta"); path != "" {
		bs, err := meta.Open(path)
		if err != nil {
			log.Errorf("checkpoint store: %s", err)
			return
		}
		store = bs
	}

	eng, err := raid.NewEngine(&cfg, disks, nil, nil, store)
	if err != nil {
		log.Errorf("create failed: %s", err)
		return
	}
	r.cfg = cfg
	r.eng = eng
	fmt.Printf("raid%d array: %d disks, %d usable sectors\n",
		cfg.Level, cfg.Disks, eng.Capacity())
}

// submit runs one bio synchronously.
func submit(e *raid.Engine, b *raid.Bio) core.Error {
	var wg sync.WaitGroup
	var result core.Error
	wg.Add(1)
	b.Done = func(err core.Error) {
		result = err
		wg.Done()
	}
	if err := e.MakeRequest(b); err != core.NoError {
		return err
	}
	wg.Wait()
	return result
}

func (r *raidCli) cmdWrite(c *cli.Context) {
	e := r.engine()
	var data []byte
	if f := c.String("file"); f != "" {
		var err error
		data, err = ioutil.ReadFile(f)
		if err != nil {
			log.Errorf("error: %s", err)
			return
		}
		if pad := len(data) % core.SectorSize; pad != 0 {
			data = append(data, make([]byte, core.SectorSize-pad)...)
		}
	} else {
		pat, err := hex.DecodeString(c.String("pattern"))
		if err != nil || len(pat) != 1 {
			log.Errorf("bad --pattern, want one hex byte")
			return
		}
		data = make([]byte, c.Int("length")*core.SectorSize)
		for i := range data {
			data[i] = pat[0]
		}
	}
	err := submit(e, &raid.Bio{
		Sector: core.Sector(c.Uint64("offset")),
		Data:   data,
		Op:     core.OpWrite,
		Flush:  c.Bool("flush"),
	})
	if err != core.NoError {
		log.Errorf("write failed: %s", err)
		return
	}
	fmt.Printf("wrote %d sectors\n", len(data)/core.SectorSize)
}

func (r *raidCli) cmdRead(c *cli.Context) {
	e := r.engine()
	data := make([]byte, c.Int("length")*core.SectorSize)
	err := submit(e, &raid.Bio{
		Sector: core.Sector(c.Uint64("offset")),
		Data:   data,
		Op:     core.OpRead,
	})
	if err != core.NoError {
		log.Errorf("read failed: %s", err)
		return
	}
	fmt.Println(hex.Dump(data))
}

func (r *raidCli) cmdDiscard(c *cli.Context) {
	e := r.engine()
	err := submit(e, &raid.Bio{
		Sector: core.Sector(c.Uint64("offset")),
		Count:  core.Sector(c.Int("length")),
		Op:     core.OpDiscard,
	})
	if err != core.NoError {
		log.Errorf("discard failed: %s", err)
		return
	}
	fmt.Println("discarded")
}

func (r *raidCli) cmdFail(c *cli.Context) {
	e := r.engine()
	if err := e.FailDisk(c.Int("disk")); err != core.NoError {
		log.Errorf("error: %s", err)
		return
	}
	fmt.Printf("disk %d failed; degraded=%d\n", c.Int("disk"), e.Degraded())
}

func (r *raidCli) cmdReplace(c *cli.Context) {
	e := r.engine()
	idx := c.Int("disk")
	m := raid.NewMemDisk(r.cfg.DevSectors)
	r.disks = append(r.disks, m)
	if err := e.ReplaceDisk(idx, m); err != core.NoError {
		log.Errorf("error: %s", err)
		return
	}
	if err := e.RunSync(context.Background()); err != core.NoError {
		log.Errorf("recovery failed: %s", err)
		return
	}
	fmt.Printf("disk %d rebuilt; degraded=%d\n", idx, e.Degraded())
}

func (r *raidCli) cmdSync(c *cli.Context) {
	e := r.engine()
	if err := e.SetSyncAction(c.String("action")); err != core.NoError {
		log.Errorf("error: %s", err)
		return
	}
	if err := e.RunSync(context.Background()); err != core.NoError {
		log.Errorf("sync failed: %s", err)
		return
	}
	fmt.Printf("%s complete; mismatches=%d\n", c.String("action"), e.Mismatches())
}

func (r *raidCli) cmdReshape(c *cli.Context) {
	e := r.engine()
	disks := c.Int("disks")
	if disks == 0 {
		disks = r.cfg.Disks
	}
	chunk := core.Sector(c.Int("chunk"))
	if chunk == 0 {
		chunk = r.cfg.ChunkSectors
	}

	// A wider target needs fresh device slots before the migration starts.
	if disks > r.cfg.Disks {
		var added []raid.Disk
		for i := r.cfg.Disks; i < disks; i++ {
			m := raid.NewMemDisk(r.cfg.DevSectors)
			r.disks = append(r.disks, m)
			added = append(added, m)
		}
		if err := e.Resize(disks, added); err != core.NoError {
			log.Errorf("resize failed: %s", err)
			return
		}
	}

	if err := e.StartReshape(disks, chunk, r.cfg.Level, r.cfg.Layout); err != core.NoError {
		log.Errorf("reshape start failed: %s", err)
		return
	}
	if err := e.RunSync(context.Background()); err != core.NoError {
		log.Errorf("reshape failed: %s", err)
		return
	}
	r.cfg.Disks = disks
	r.cfg.ChunkSectors = chunk
	fmt.Printf("reshape complete; capacity now %d sectors\n", e.Capacity())
}

func (r *raidCli) cmdStatus(c *cli.Context) {
	e := r.engine()
	st := e.Status()
	fmt.Printf("raid%d  disks=%d  degraded=%d  failed=%v\n", st.Level, st.Disks, st.Degraded, st.Failed)
	fmt.Printf("cache %d/%d stripes active, %d mismatched sectors\n", st.CacheUsed, st.CacheSize, st.Mismatches)
	if st.Reshaping {
		fmt.Printf("reshape %0.1f%% complete\n", st.Reshaped*100)
	}
}

func (r *raidCli) cmdShell(c *cli.Context) {
	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)
	liner.SetCompleter(func(line string) (out []string) {
		for _, cmd := range r.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				out = append(out, cmd.Name)
			}
		}
		return
	})
	defer liner.Close()

	for {
		input, err := liner.Prompt("(raid) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}
		// shlex splits with shell-style quoting rules.
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
		if r.runCommand(args...) == nil {
			liner.AppendHistory(input)
		}
	}
}
