// Package dbtconfig loads the core's startup configuration. The
// teacher's runsc driver loads its config from TOML via BurntSushi/toml;
// this module does the same for the handful of knobs the core itself
// reads (§4.10 of SPEC_FULL.md).
package dbtconfig

import (
	"github.com/BurntSushi/toml"
)

// SMCMode selects how aggressively the BlockBuilder guards against
// self-modifying code (SPEC_FULL.md §4.2 step 5).
type SMCMode int

const (
	// SMCNone performs no self-modifying-code validation; invalidation
	// relies solely on external write-trap notification.
	SMCNone SMCMode = iota
	// SMCFull prepends a ValidateCode op to every lifted instruction.
	SMCFull
)

// Config holds the knobs the core reads at startup. Unknown non-goals
// (CLI flags, debugger UI options) are deliberately absent.
type Config struct {
	// VirtualMemSize bounds the LookupCache's page table for 64-bit
	// guests. Ignored (forced to 1<<32) when GuestMode32 is true.
	VirtualMemSize uint64 `toml:"virtual_mem_size"`

	// PageShift is log2 of the guest page size used for LookupCache
	// page-table indexing and InvalidationProtocol range walks.
	PageShift uint `toml:"page_shift"`

	// MaxInstPerBlock bounds how many guest instructions BlockBuilder
	// lifts into a single block before forcing a side exit.
	MaxInstPerBlock uint64 `toml:"max_inst_per_block"`

	// MaxArenaBytes bounds the LookupCache's bump-allocated code arena.
	MaxArenaBytes uint64 `toml:"max_arena_bytes"`

	// SMC selects the self-modifying-code detection mode.
	SMC SMCMode `toml:"-"`

	// GuestMode32 forces 32-bit guest PC semantics (Open Question 2).
	GuestMode32 bool `toml:"guest_mode_32"`

	// GdbEnabled is forwarded to JitBackend.CompileCode's gdb_enabled
	// parameter.
	GdbEnabled bool `toml:"gdb_enabled"`

	// IRDumpDir, if non-empty, enables text IR dumps (§6 Persisted
	// state). Empty disables the optional dump entirely.
	IRDumpDir string `toml:"ir_dump_dir"`

	// PerfMapPath, if non-empty, enables the perf JIT-symbols file.
	PerfMapPath string `toml:"perf_map_path"`

	// AOTCacheDir, if non-empty, enables the optional AOT object-code
	// cache described in §6.
	AOTCacheDir string `toml:"aot_cache_dir"`
}

// Default returns the configuration used when no file is loaded.
func Default() Config {
	return Config{
		VirtualMemSize:  1 << 36,
		PageShift:       12,
		MaxInstPerBlock: 256,
		MaxArenaBytes:   128 << 20,
		SMC:             SMCNone,
	}
}

// Load reads a TOML configuration file and overlays it on Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
