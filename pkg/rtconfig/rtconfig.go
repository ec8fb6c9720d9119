// Package rtconfig threads the resource-control core's process-wide
// ambient inputs as an explicit value instead of globals, per spec design
// note 9: current_instance_seq, total_memory, and memcg_recursive_prot.
package rtconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/resctl-core/rdcore/pkg/cgroupmode"
)

// Runtime bundles the ambient values every component needs but that are not
// part of a slice's declarative configuration.
type Runtime struct {
	// TotalMemory is a single process-wide snapshot of system RAM, read once
	// at startup and used to resolve MemoryKnob.Percent and to clamp the
	// cgroupfs verifier's tolerance comparisons.
	TotalMemory uint64

	// InstanceSeq is a monotone per-boot counter supplied by the caller. A
	// disable_seqs.X value >= InstanceSeq means dimension X is gated off.
	InstanceSeq uint64

	// MemcgRecursiveProt reports whether the kernel supports recursive
	// memcg protection (memory_recursiveprot mount option), in which case
	// cascade propagation writes zeroed protections to descendants instead
	// of the parent's values.
	MemcgRecursiveProt bool
}

// New constructs a Runtime, probing the host for cgroup v2, total memory,
// and recursive-protection support. instanceSeq is supplied by the caller
// (e.g. a boot-counter file or a simple process start time bucket); this
// package does not invent one since the spec treats it as an external input.
func New(instanceSeq uint64) (*Runtime, error) {
	if _, err := cgroupmode.RequireV2(); err != nil {
		return nil, err
	}

	total, err := readTotalMemory("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("rtconfig: read total memory: %w", err)
	}

	return &Runtime{
		TotalMemory:        total,
		InstanceSeq:        instanceSeq,
		MemcgRecursiveProt: detectRecursiveProt("/proc/self/mountinfo"),
	}, nil
}

// Enabled reports whether dimension seq (a disable_seqs.{cpu,io,mem} value)
// is currently considered enabled, per the gate-monotonicity invariant:
// disable_seqs.X < current_instance_seq <=> X enabled.
func (r *Runtime) Enabled(disableSeq uint64) bool {
	return disableSeq < r.InstanceSeq
}

// readTotalMemory parses /proc/meminfo's "MemTotal:" line, which is
// expressed in kB.
func readTotalMemory(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("rtconfig: malformed MemTotal line %q", line)
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rtconfig: parse MemTotal %q: %w", fields[1], err)
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("rtconfig: MemTotal not found in %s", path)
}

// detectRecursiveProt looks for the "memory_recursiveprot" cgroup2 mount
// option in mountinfo. Best effort: a read failure is treated as
// unsupported rather than fatal; the result only selects what cascade
// propagation writes to descendants (zeroed protections instead of the
// parent's values).
func detectRecursiveProt(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.Contains(sc.Text(), "cgroup2") && strings.Contains(sc.Text(), "memory_recursiveprot") {
			return true
		}
	}
	return false
}
