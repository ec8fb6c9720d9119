// Package cgroupfs reads the live cgroup v2 attribute files under
// /sys/fs/cgroup, compares them against each slice's intended SliceConfig
// within a tolerance rule, and writes corrections — reconciling any
// cgroupfs-level drift back through the Unit Adapter so the unit manager's
// in-memory overrides don't fall out of sync with what's actually on disk.
// It also owns the subtree_control controller toggler and the
// other-IO-controller conflict detector.
//
// Grounded on rd-agent's verify_and_fix_slices/fix_overrides/fix_slice_cpu/
// fix_slice_io/fix_cgrp_mem/fix_recursive_mem_prot/check_other_io_controllers
// (original_source/rd-agent/src/slices.rs).
package cgroupfs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/resctl-core/rdcore/pkg/memknob"
	"github.com/resctl-core/rdcore/pkg/rtconfig"
	"github.com/resctl-core/rdcore/pkg/slice"
	"github.com/resctl-core/rdcore/pkg/sysunit"
	"github.com/resctl-core/rdcore/pkg/types"
)

// tolerance is the relative slack allowed between a memory attribute's
// current value and its intended target before a correction is written. The
// kernel coerces protection values to page/chunk-size multiples and may
// clamp to total memory; strict equality would cause the verifier to flap
// on every pass.
const tolerance = 0.10

// SysReqNoOtherIOControllers names the diagnostic requirement recorded as
// failed when a competing IO policy (io.latency/io.max/io.low) is found
// configured anywhere under the cgroup tree.
const SysReqNoOtherIOControllers = "NoOtherIoControllers"

func readOneLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeOneLine(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// Config bundles the ambient inputs the verifier needs beyond the slice
// knobs themselves.
type Config struct {
	Enforce slice.EnforceConfig
	Runtime *rtconfig.Runtime
	Log     *slog.Logger

	// Root overrides the cgroup v2 mount point the verifier reads and
	// writes under. Empty means slice.CgroupRoot, the real mount point;
	// tests point this at a t.TempDir() standing in for /sys/fs/cgroup.
	Root string
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func (c Config) root() string {
	if c.Root != "" {
		return c.Root
	}
	return slice.CgroupRoot
}

func (c Config) slicePath(s slice.Slice) string {
	return filepath.Join(c.root(), s.Name())
}

// fixOverrides reprograms cgroup.subtree_control so the enabled controller
// set agrees with enforce and the disable-seq gates.
func fixOverrides(dseqs slice.DisableSeqKnobs, cfg Config) error {
	log := cfg.logger()
	var disable, enable strings.Builder

	if cfg.Enforce.CPU {
		if cfg.Runtime.Enabled(dseqs.CPU) {
			enable.WriteString(" +cpu")
		} else {
			disable.WriteString(" -cpu")
		}
	}
	if cfg.Enforce.IO {
		enable.WriteString(" +io")
	}
	if cfg.Enforce.CritMemProt {
		enable.WriteString(" +memory")
	}

	if disable.Len() > 0 {
		scs, err := findSubtreeControlFiles(cfg.root())
		if err != nil {
			return err
		}
		// Deepest first: the kernel refuses to disable a controller at a
		// node while any descendant still has it enabled.
		sort.Slice(scs, func(i, j int) bool { return len(scs[i]) > len(scs[j]) })

		nrFailed := 0
		for _, sc := range scs {
			if err := writeOneLine(sc, disable.String()); err != nil {
				if nrFailed == 0 {
					log.Warn("cgroupfs: failed to write subtree_control", "tokens", disable.String(), "path", sc, "error", err)
				}
				nrFailed++
			}
		}
		if nrFailed > 1 {
			log.Warn("cgroupfs: failed to write subtree_control to files", "tokens", disable.String(), "count", nrFailed)
		}
	}

	if enable.Len() > 0 {
		if err := writeOneLine(filepath.Join(cfg.root(), "cgroup.subtree_control"), enable.String()); err != nil {
			return fmt.Errorf("cgroupfs: enable controllers: %w", err)
		}
	}
	return nil
}

func findSubtreeControlFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && d.Name() == "cgroup.subtree_control" {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func fixSliceCPU(sk *slice.SliceConfig, path string, enable bool, log *slog.Logger) error {
	if !enable {
		return nil
	}
	p := filepath.Join(path, "cpu.weight")
	line, err := readOneLine(p)
	if err != nil {
		return err
	}
	v, perr := strconv.ParseUint(line, 10, 32)
	if perr == nil && uint32(v) == sk.CPUWeight {
		return nil
	}
	log.Info("cgroupfs: fixing cpu.weight", "path", p, "want", sk.CPUWeight, "got", line)
	return writeOneLine(p, fmt.Sprintf("%d", sk.CPUWeight))
}

func fixSliceIO(sk *slice.SliceConfig, path string, enable bool, log *slog.Logger) error {
	if !enable {
		return nil
	}
	p := filepath.Join(path, "io.weight")
	line, err := readOneLine(p)
	if err != nil {
		return err
	}
	var v uint32
	_, serr := fmt.Sscanf(line, "default %d", &v)
	if serr == nil && v == sk.IOWeight {
		return nil
	}
	log.Info("cgroupfs: fixing io.weight", "path", p, "want", sk.IOWeight, "got", line)
	return writeOneLine(p, fmt.Sprintf("default %d", sk.IOWeight))
}

// fixCgrpMem compares a memory.{min,low,high,max} file to knob within
// tolerance and, if it writes a correction, reflects the new value into the
// owning unit's resource-control overrides so the unit manager doesn't
// clobber the cgroupfs write on its next reconcile.
func fixCgrpMem(ctx context.Context, conn sysunit.Conn, path string, isLimit bool, knob memknob.Knob, totalMemory uint64, log *slog.Logger) error {
	line, err := readOneLine(path)
	if err != nil {
		return err
	}

	if cur, ok := parseCurrent(line); ok {
		target := minU64(knob.NrBytes(isLimit, totalMemory), totalMemory)
		v := minU64(cur, totalMemory)
		if target == v || (target > 0 && relDiff(v, target) < tolerance) {
			return nil
		}
	}

	expected := memknob.CgroupfsString(knob, isLimit, totalMemory)
	target := knob.NrBytes(isLimit, totalMemory)
	log.Info("cgroupfs: fixing memory attribute", "path", path, "want", expected,
		"want_human", types.ToBytes(target).Humanized(), "got", line)
	if err := writeOneLine(path, expected); err != nil {
		return err
	}

	file := filepath.Base(path)
	cgrp := filepath.Base(filepath.Dir(path))
	if !strings.HasSuffix(cgrp, ".service") && !strings.HasSuffix(cgrp, ".scope") && !strings.HasSuffix(cgrp, ".slice") {
		return nil
	}

	unit, err := sysunit.Lookup(ctx, conn, cgrp)
	if err != nil {
		return err
	}
	nrBytes := knob.NrBytes(isLimit, totalMemory)
	switch file {
	case "memory.min":
		unit.ResCtl.MemMin = &nrBytes
	case "memory.low":
		unit.ResCtl.MemLow = &nrBytes
	case "memory.high":
		unit.ResCtl.MemHigh = &nrBytes
	case "memory.max":
		unit.ResCtl.MemMax = &nrBytes
	}
	return unit.Apply(ctx)
}

func parseCurrent(line string) (uint64, bool) {
	if line == "max" {
		return ^uint64(0), true
	}
	v, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func relDiff(v, target uint64) float64 {
	d := float64(v) - float64(target)
	if d < 0 {
		d = -d
	}
	return d / float64(target)
}

// fixRecursiveMemProt writes knob into file (memory.min or memory.low) for
// every descendant of parent at least one level below parent itself —
// parent's own attribute file is handled by the caller, this cascades into
// direct children and everything beneath them.
func fixRecursiveMemProt(ctx context.Context, conn sysunit.Conn, parent, file string, knob memknob.Knob, totalMemory uint64, log *slog.Logger) {
	_ = filepath.WalkDir(parent, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != file {
			return nil
		}
		rel, rerr := filepath.Rel(parent, path)
		if rerr != nil || filepath.Dir(rel) == "." {
			return nil
		}
		if err := fixCgrpMem(ctx, conn, path, false, knob, totalMemory, log); err != nil {
			log.Warn("cgroupfs: failed to fix memory protection", "path", path, "error", err)
		}
		return nil
	})
}

func fixSliceMem(ctx context.Context, conn sysunit.Conn, sk *slice.SliceConfig, path string, enable, verifyMemHigh, propagateMemProt, recursiveMemProt bool, totalMemory uint64, log *slog.Logger) error {
	if enable {
		if err := fixCgrpMem(ctx, conn, filepath.Join(path, "memory.min"), false, sk.MemMin, totalMemory, log); err != nil {
			return err
		}
		if err := fixCgrpMem(ctx, conn, filepath.Join(path, "memory.low"), false, sk.MemLow, totalMemory, log); err != nil {
			return err
		}
		if err := fixCgrpMem(ctx, conn, filepath.Join(path, "memory.max"), true, memknob.None(), totalMemory, log); err != nil {
			return err
		}
		if verifyMemHigh {
			if err := fixCgrpMem(ctx, conn, filepath.Join(path, "memory.high"), true, sk.MemHigh, totalMemory, log); err != nil {
				return err
			}
		}
		if propagateMemProt {
			if recursiveMemProt {
				fixRecursiveMemProt(ctx, conn, path, "memory.min", memknob.FromBytes(0), totalMemory, log)
				fixRecursiveMemProt(ctx, conn, path, "memory.low", memknob.FromBytes(0), totalMemory, log)
			} else {
				fixRecursiveMemProt(ctx, conn, path, "memory.min", sk.MemMin, totalMemory, log)
				fixRecursiveMemProt(ctx, conn, path, "memory.low", sk.MemLow, totalMemory, log)
			}
		}
		return nil
	}

	if err := fixCgrpMem(ctx, conn, filepath.Join(path, "memory.min"), false, memknob.None(), totalMemory, log); err != nil {
		return err
	}
	return fixCgrpMem(ctx, conn, filepath.Join(path, "memory.low"), false, memknob.None(), totalMemory, log)
}

// VerifyAndFixSlices reads the live cgroupfs attribute files for every
// enforced slice, corrects any that drift outside the tolerance rule, and
// checks controller enable state agrees with enforce/disable-seqs. Set
// workloadSenpai when an external sizing loop owns workload.slice's
// memory.high, so this pass skips verifying it.
func VerifyAndFixSlices(ctx context.Context, conn sysunit.Conn, knobs *slice.SliceKnobs, workloadSenpai bool, cfg Config) error {
	log := cfg.logger()
	dseqs := knobs.DisableSeqs

	line, err := readOneLine(filepath.Join(cfg.root(), "cgroup.subtree_control"))
	if err != nil {
		return err
	}

	mismatch := (cfg.Enforce.CPU && cfg.Runtime.Enabled(dseqs.CPU) != strings.Contains(line, "cpu")) ||
		(cfg.Enforce.IO && !strings.Contains(line, "io")) ||
		(cfg.Enforce.CritMemProt && !strings.Contains(line, "memory"))
	if mismatch {
		log.Info("cgroupfs: controller enable state disagrees with overrides, fixing")
		if err := fixOverrides(dseqs, cfg); err != nil {
			return err
		}
	}

	recursiveMemProt := cfg.Runtime.MemcgRecursiveProt

	for _, s := range slice.All() {
		sk := knobs.Get(s)
		path := cfg.slicePath(s)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		if cfg.Enforce.CPU {
			if err := fixSliceCPU(sk, path, cfg.Runtime.Enabled(dseqs.CPU), log); err != nil {
				return err
			}
		}
		if cfg.Enforce.IO {
			if err := fixSliceIO(sk, path, cfg.Runtime.Enabled(dseqs.IO), log); err != nil {
				return err
			}
		}

		if cfg.Enforce.EnforceMem(s) {
			enableMem, verifyMemHigh := true, true
			if s == slice.Work {
				enableMem = cfg.Runtime.Enabled(dseqs.Mem)
				verifyMemHigh = !workloadSenpai
			}
			propagateMemProt := s.NeedsMemProtPropagation()

			if err := fixSliceMem(ctx, conn, sk, path, enableMem, verifyMemHigh, propagateMemProt, recursiveMemProt, cfg.Runtime.TotalMemory, log); err != nil {
				return err
			}
		}
	}

	if cfg.Enforce.IO {
		report := CheckOtherIOControllers(cfg.root())
		if report.Failed {
			log.Error("cgroupfs: cgroups have non-empty io.latency/low/max configs: disable",
				"count", report.Count, "first", report.FirstOffender)
		}
	}
	return nil
}

// IOControllerReport is the outcome of scanning for competing IO policies.
type IOControllerReport struct {
	Failed        bool
	FirstOffender string
	Count         int
}

// CheckOtherIOControllers scans io.latency/io.max/io.low under root for any
// non-empty configuration, which indicates a controller other than iocost is
// arbitrating IO for that cgroup.
func CheckOtherIOControllers(root string) IOControllerReport {
	var report IOControllerReport
	names := []string{"io.latency", "io.max", "io.low"}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := d.Name()
		match := false
		for _, n := range names {
			if base == n {
				match = true
				break
			}
		}
		if !match {
			return nil
		}

		line, err := readOneLine(path)
		if err != nil || strings.TrimSpace(line) == "" {
			return nil
		}

		if !report.Failed {
			report.Failed = true
			report.FirstOffender = filepath.Base(filepath.Dir(path))
		}
		report.Count++
		return nil
	})

	return report
}

// DeviceIOCostSwitch implements sliceconf.IOCostSwitch by toggling the
// "enable" field of every device line already present in the root cgroup's
// io.cost.qos file. The kernel accepts a partial write naming just the
// device and the field being changed, leaving that device's other qos
// parameters (the model tuning itself, out of scope here) untouched.
type DeviceIOCostSwitch struct {
	Root string
	Log  *slog.Logger
}

func (s DeviceIOCostSwitch) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// SetIOCostEnabled enables or disables iocost QoS enforcement on every
// device currently configured under Root's io.cost.qos.
func (s DeviceIOCostSwitch) SetIOCostEnabled(_ context.Context, enabled bool) error {
	log := s.logger()
	path := filepath.Join(s.Root, "io.cost.qos")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("iocost: no io.cost.qos file, nothing to toggle")
			return nil
		}
		return fmt.Errorf("cgroupfs: read %s: %w", path, err)
	}

	want := "enable=0"
	if enabled {
		want = "enable=1"
	}

	var nrFailed int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		dev := fields[0]
		if err := writeOneLine(path, dev+" "+want); err != nil {
			log.Warn("iocost: failed to toggle device", "device", dev, "enabled", enabled, "error", err)
			nrFailed++
		}
	}
	if nrFailed > 0 {
		return fmt.Errorf("cgroupfs: failed to toggle iocost on %d device(s)", nrFailed)
	}
	return nil
}
