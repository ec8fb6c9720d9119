// Package slice defines the fixed set of resource-control slices and their
// declarative configuration. Grounded on spec.md §3 and rd-agent's Slice enum
// (original_source/rd-agent/src/slices.rs — Slice::name(), Slice::cgrp(),
// slice_needs_start_stop, slice_needs_crit_mem_prot, slice_enforce_mem,
// slice_needs_mem_prot_propagation).
package slice

import "github.com/resctl-core/rdcore/pkg/memknob"

// Slice is the finite enumerated set of resource-control groupings. Slice
// values are identities, not allocated — compare with ==.
type Slice int

const (
	Host Slice = iota
	Init
	System
	User
	Work
	Side

	numSlices
)

// All returns the slices in enumeration order, for deterministic iteration
// (apply_slices/clear_slices/verify_and_fix_slices all walk this order).
func All() []Slice {
	out := make([]Slice, 0, numSlices)
	for s := Host; s < numSlices; s++ {
		out = append(out, s)
	}
	return out
}

// Indexed positionally by Slice's iota order: Host, Init, System, User,
// Work, Side.
var unitNames = [numSlices]string{
	"host.slice",
	"init.slice",
	"system.slice",
	"user.slice",
	"workload.slice",
	"sideload.slice",
}

// CgroupRoot is the unified cgroup v2 mount point every slice path hangs
// off of.
const CgroupRoot = "/sys/fs/cgroup"

// Name returns the unit-manager name of the slice, e.g. "workload.slice".
func (s Slice) Name() string {
	if s < 0 || s >= numSlices {
		return "unknown.slice"
	}
	return unitNames[s]
}

// String implements fmt.Stringer for logging.
func (s Slice) String() string { return s.Name() }

// Cgrp returns the slice's fixed cgroupfs path, e.g.
// "/sys/fs/cgroup/workload.slice".
func (s Slice) Cgrp() string { return CgroupRoot + "/" + s.Name() }

// NeedsStartStop reports whether the slice must be explicitly started (it is
// only activated on demand) and stopped on clear. Only Side is lazily
// activated; the others are always-present systemd slices.
func (s Slice) NeedsStartStop() bool { return s == Side }

// NeedsCritMemProt reports whether the slice is protected even when bulk
// memory enforcement is off, via EnforceConfig.CritMemProt.
func (s Slice) NeedsCritMemProt() bool { return s == Host || s == Init }

// NeedsMemProtPropagation reports whether cascade propagation into
// descendant units applies to this slice. Work and Side manage their own
// descendants' memory protections (workloads/sideloads size themselves);
// the rest cascade protections down so the non-recursive memcg model still
// isolates nested units.
func (s Slice) NeedsMemProtPropagation() bool {
	return s != Work && s != Side
}

// SliceConfig holds one slice's intended resource-control knobs.
type SliceConfig struct {
	// CPUWeight and IOWeight are systemd-style weights in [1,10000].
	CPUWeight uint32
	IOWeight  uint32

	MemMin  memknob.Knob
	MemLow  memknob.Knob
	MemHigh memknob.Knob
}

// DisableSeqKnobs are monotone epoch stamps gating controller enablement.
// A dimension is enabled iff its seq is less than the runtime's current
// instance sequence.
type DisableSeqKnobs struct {
	CPU uint64
	IO  uint64
	Mem uint64
}

// SliceKnobs is the full intended resource-control state: one SliceConfig
// per slice, plus the disable-seq gates and the Work.mem_low derivation
// flag.
type SliceKnobs struct {
	Slices [numSlices]SliceConfig

	DisableSeqs DisableSeqKnobs

	// WorkMemLowNone instructs apply_slices to recompute Work's mem_low from
	// a dynamic sizing input (hashd_mem_size) on every apply, rather than
	// using the statically configured value.
	WorkMemLowNone bool
}

// Get returns the SliceConfig for s.
func (k *SliceKnobs) Get(s Slice) *SliceConfig { return &k.Slices[s] }

// EnforceConfig selects which resource dimensions are actually enforced.
type EnforceConfig struct {
	CPU         bool
	IO          bool
	Mem         bool
	CritMemProt bool
}

// EnforceMem is the effective per-slice memory-enforcement predicate:
// mem OR (crit_mem_prot AND slice needs critical memory protection).
func (e EnforceConfig) EnforceMem(s Slice) bool {
	return e.Mem || (e.CritMemProt && s.NeedsCritMemProt())
}

// AnyEnforced reports whether any dimension applies to s at all, used to
// skip slices entirely when nothing is enforced.
func (e EnforceConfig) AnyEnforced(s Slice) bool {
	return e.CPU || e.IO || e.EnforceMem(s)
}
