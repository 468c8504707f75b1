// Command dbtcore is a thin example driver for pkg/dbtcontext. It is
// explicitly not "the CLI" the core's specification puts out of scope
// (§1): it exists only to give the library a runnable entry point for
// manual smoke-testing, wiring a trivial decoder/dispatcher pair in
// place of the real guest-instruction table the core deliberately
// doesn't implement.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/dbtcore/dbtcore/pkg/blockbuilder"
	"github.com/dbtcore/dbtcore/pkg/dbtconfig"
	"github.com/dbtcore/dbtcore/pkg/dbtcontext"
	"github.com/dbtcore/dbtcore/pkg/dbtlog"
	"github.com/dbtcore/dbtcore/pkg/decoder"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
	"github.com/dbtcore/dbtcore/pkg/jitbackend/interp"
	"github.com/dbtcore/dbtcore/pkg/threadcontext"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&compileRIPCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// newDemoContext builds a Context wired to a stand-in decoder that
// lifts one byte per instruction and always exits to the next address,
// so the dispatcher loop is exercisable without a real x86 table.
func newDemoContext(configPath string) (*dbtcontext.Context, error) {
	cfg := dbtconfig.Default()
	if configPath != "" {
		loaded, err := dbtconfig.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	ctx, err := dbtcontext.CreateNewContext(cfg)
	if err != nil {
		return nil, err
	}

	err = ctx.InitializeContext(
		stepDecoder{},
		stepDispatch{},
		func() jitbackend.Backend { return interp.New() },
		fetchZeroPage,
		nil,
	)
	return ctx, err
}

var errEmptyFetch = errors.New("dbtcore: empty guest code fetch")

type stepDecoder struct{}

func (stepDecoder) DecodeInstructionsAtEntry(code []byte, pc guestpc.PC, onRange decoder.RangeCoveredFunc) ([]decoder.DecodedBlock, error) {
	if len(code) == 0 {
		return nil, errEmptyFetch
	}
	return []decoder.DecodedBlock{{EntryPC: pc, Instructions: []decoder.Instruction{{PC: pc, Length: 1}}, TotalLength: 1}}, nil
}

type stepDispatch struct{}

func (stepDispatch) Dispatch(ctx *blockbuilder.GenCtx, inst decoder.Instruction) error {
	ctx.Emit(ir.Op{Opcode: ir.OpExit, Target: inst.PC + 1})
	return nil
}

func fetchZeroPage(pc guestpc.PC) ([]byte, error) {
	return []byte{0x90}, nil
}

type compileRIPCmd struct {
	configPath string
	rip        uint64
}

func (*compileRIPCmd) Name() string     { return "compile-rip" }
func (*compileRIPCmd) Synopsis() string { return "force-compile a single guest address and print its IR" }
func (*compileRIPCmd) Usage() string {
	return "compile-rip -rip=<addr> - compile one block and print the resulting IR listing\n"
}

func (c *compileRIPCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.Uint64Var(&c.rip, "rip", 0x1000, "guest address to compile")
}

func (c *compileRIPCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ctx, err := newDemoContext(c.configPath)
	if err != nil {
		dbtlog.Log.Errorf("creating context: %v", err)
		return subcommands.ExitFailure
	}

	root, err := ctx.InitCore(guestpc.PC(c.rip), 0)
	if err != nil {
		dbtlog.Log.Errorf("init_core: %v", err)
		return subcommands.ExitFailure
	}

	if err := ctx.CompileRIP(root, guestpc.PC(c.rip)); err != nil {
		dbtlog.Log.Errorf("compile_rip: %v", err)
		return subcommands.ExitFailure
	}

	bm, ok := root.LookupCache.Find(guestpc.PC(c.rip))
	if !ok {
		dbtlog.Log.Errorf("compiled block missing from lookup cache")
		return subcommands.ExitFailure
	}
	fmt.Printf("compiled guest_pc=%#x host_code=%#x guest_len=%d host_len=%d\n",
		c.rip, bm.HostCode, bm.GuestCodeLength, bm.HostCodeLength)
	if e, ok := ctx.IRCache.Lookup(guestpc.PC(c.rip)); ok {
		fmt.Print(e.Listing.String())
	}
	return subcommands.ExitSuccess
}

type runCmd struct {
	configPath string
	rip        uint64
	steps      uint
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the dispatcher loop for a bounded time" }
func (*runCmd) Usage() string {
	return "run -rip=<addr> -steps=<n> - run the demo dispatcher loop, then request a stop after n milliseconds\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.Uint64Var(&c.rip, "rip", 0x1000, "initial guest program counter")
	f.UintVar(&c.steps, "steps", 16, "milliseconds to run before requesting a stop")
}

func (c *runCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ctx, err := newDemoContext(c.configPath)
	if err != nil {
		dbtlog.Log.Errorf("creating context: %v", err)
		return subcommands.ExitFailure
	}

	root, err := ctx.InitCore(guestpc.PC(c.rip), 0)
	if err != nil {
		dbtlog.Log.Errorf("init_core: %v", err)
		return subcommands.ExitFailure
	}

	go func() {
		time.Sleep(time.Duration(c.steps) * time.Millisecond)
		root.RequestSignal(threadcontext.SignalStop)
	}()

	reason := ctx.RunUntilExit(root)
	fmt.Printf("exited at guest_pc=%#x reason=%v\n", root.Regs.IP(), reason)
	return subcommands.ExitSuccess
}
