// Package sliceconf renders each slice's intended SliceConfig into a
// systemd drop-in, writes it if its content changed, starts lazily-activated
// slices, and cascades memory-protection overrides into running descendant
// units. It is the write path; pkg/cgroupfs is the read-verify-fix path
// over the same cgroupfs tree.
//
// Grounded line-for-line on rd-agent's apply_slices/clear_slices/
// build_configlet/apply_configlet/propagate_one_slice
// (original_source/rd-agent/src/slices.rs).
package sliceconf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/resctl-core/rdcore/pkg/memknob"
	"github.com/resctl-core/rdcore/pkg/rtconfig"
	"github.com/resctl-core/rdcore/pkg/slice"
	"github.com/resctl-core/rdcore/pkg/sysunit"
	"github.com/resctl-core/rdcore/pkg/types"
)

// Paths controls where configlets are written; DropinRoot defaults to
// systemd's runtime unit drop-in directory but is overridable so tests don't
// need root and don't touch the real unit tree.
type Paths struct {
	DropinRoot string
}

// DefaultPaths points at systemd's runtime drop-in directory.
func DefaultPaths() Paths { return Paths{DropinRoot: "/run/systemd/system"} }

// ConfigletPath returns the path of a unit's generated resctl drop-in.
func (p Paths) ConfigletPath(unitName string) string {
	return filepath.Join(p.DropinRoot, unitName+".d", "resctl.conf")
}

// IOCostSwitch is the external collaborator that flips the iocost IO
// controller on or off for the host's block devices. Choosing iocost's cost
// model parameters is a benchmark-time concern handled elsewhere; this
// package only asks for the switch to be set.
type IOCostSwitch interface {
	SetIOCostEnabled(ctx context.Context, enabled bool) error
}

// Config bundles the ambient inputs apply/clear need beyond the slice knobs
// themselves.
type Config struct {
	Enforce slice.EnforceConfig
	Runtime *rtconfig.Runtime
	IOCost  IOCostSwitch
	Paths   Paths
	Log     *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func buildConfiglet(s slice.Slice, cpuWeight, ioWeight *uint32, memMin, memLow, memHigh *memknob.Knob, totalMemory uint64) string {
	section := "Scope"
	if strings.HasSuffix(s.Name(), ".slice") {
		section = "Slice"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Generated by rdcore. Do not edit directly.\n[%s]\n", section)

	if cpuWeight != nil {
		fmt.Fprintf(&buf, "CPUWeight=%d\n", *cpuWeight)
	}
	if ioWeight != nil {
		fmt.Fprintf(&buf, "IOWeight=%d\n", *ioWeight)
	}
	if memMin != nil {
		fmt.Fprintf(&buf, "MemoryMin=%s\n", memknob.UnitString(*memMin, false, totalMemory))
	}
	if memLow != nil {
		fmt.Fprintf(&buf, "MemoryLow=%s\n", memknob.UnitString(*memLow, false, totalMemory))
	}
	if memHigh != nil {
		fmt.Fprintf(&buf, "MemoryHigh=%s\n", memknob.UnitString(*memHigh, true, totalMemory))
	}
	return buf.String()
}

// applyConfiglet writes configlet to disk if it differs from what's there,
// and starts s if it needs on-demand activation. It reports whether the file
// changed.
func applyConfiglet(ctx context.Context, conn sysunit.Conn, paths Paths, log *slog.Logger, s slice.Slice, configlet string) (bool, error) {
	path := paths.ConfigletPath(s.Name())

	if existing, err := os.ReadFile(path); err == nil && string(existing) == configlet {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("sliceconf: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(configlet), 0o644); err != nil {
		return false, fmt.Errorf("sliceconf: write %s: %w", path, err)
	}

	if s.NeedsStartStop() {
		unit, err := sysunit.Lookup(ctx, conn, s.Name())
		if err != nil {
			log.Warn("sliceconf: failed to create unit handle", "slice", s.Name(), "error", err)
		} else if err := unit.TryStartNowait(ctx); err != nil {
			log.Warn("sliceconf: failed to start slice", "slice", s.Name(), "error", err)
		}
	}

	return true, nil
}

// propagateOneSlice pushes resctl to every running descendant unit of s
// whose reported ControlGroup matches the path it was discovered at.
func propagateOneSlice(ctx context.Context, conn sysunit.Conn, log *slog.Logger, s slice.Slice, resctl sysunit.ResCtl) error {
	root := s.Cgrp()
	log.Debug("sliceconf: propagating", "slice", s.Name(), "resctl", resctl)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".service") && !strings.HasSuffix(name, ".scope") && !strings.HasSuffix(name, ".slice") {
			return nil
		}

		unit, err := sysunit.Lookup(ctx, conn, name)
		if err != nil {
			log.Debug("sliceconf: skip unit for propagation", "unit", name, "error", err)
			return nil
		}

		wantCG := strings.TrimPrefix(path, slice.CgroupRoot)
		if unit.ControlGroup != wantCG {
			log.Log(ctx, slog.LevelDebug-4, "sliceconf: skipping, control group mismatch", "unit", name, "got", unit.ControlGroup, "want", wantCG)
			return nil
		}

		switch unit.State {
		case sysunit.StateRunning, sysunit.StateOtherActive:
		default:
			return nil
		}

		if unit.ResCtl.Equal(resctl) {
			return nil
		}
		unit.ResCtl = resctl
		if err := unit.Apply(ctx); err != nil {
			log.Warn("sliceconf: failed to propagate resctl config", "unit", name, "error", err)
		} else {
			log.Debug("sliceconf: propagated resctl config", "unit", name)
		}
		return nil
	})
}

// ApplySlices renders and writes every enforced slice's configlet, cascades
// memory protections into running descendants, batches a single
// daemon-reload if anything changed, and finally flips iocost on or off
// according to the io-disable-seq gate.
func ApplySlices(ctx context.Context, conn sysunit.Conn, knobs *slice.SliceKnobs, hashdMemSize uint64, cfg Config) error {
	log := cfg.logger()
	paths := cfg.Paths
	if paths.DropinRoot == "" {
		paths = DefaultPaths()
	}

	if knobs.WorkMemLowNone {
		v := uint64(math.Ceil(float64(hashdMemSize) * 0.75))
		knobs.Get(slice.Work).MemLow = memknob.FromBytes(types.ToBytes(v))
	}

	updated := false
	for _, s := range slice.All() {
		enforceMem := cfg.Enforce.EnforceMem(s)
		if !cfg.Enforce.CPU && !enforceMem && !cfg.Enforce.IO {
			continue
		}

		sk := knobs.Get(s)
		var cpuWeight, ioWeight *uint32
		if cfg.Enforce.CPU {
			v := sk.CPUWeight
			cpuWeight = &v
		}
		if cfg.Enforce.IO {
			v := sk.IOWeight
			ioWeight = &v
		}

		var memMin, memLow, memHigh *memknob.Knob
		if enforceMem {
			memMin = &sk.MemMin
			memHigh = &sk.MemHigh
			if s == slice.Work && !cfg.Runtime.Enabled(knobs.DisableSeqs.Mem) {
				memLow = nil
			} else {
				memLow = &sk.MemLow
			}
		}

		configlet := buildConfiglet(s, cpuWeight, ioWeight, memMin, memLow, memHigh, cfg.Runtime.TotalMemory)
		changed, err := applyConfiglet(ctx, conn, paths, log, s, configlet)
		if err != nil {
			return err
		}
		if changed {
			updated = true
		}

		if enforceMem && s.NeedsMemProtPropagation() {
			var resctl sysunit.ResCtl
			if !cfg.Runtime.MemcgRecursiveProt {
				if v, ok := memknob.ToOverrideValue(sk.MemMin, cfg.Runtime.TotalMemory); ok {
					resctl.MemMin = &v
				}
				if v, ok := memknob.ToOverrideValue(sk.MemLow, cfg.Runtime.TotalMemory); ok {
					resctl.MemLow = &v
				}
			}
			if err := propagateOneSlice(ctx, conn, log, s, resctl); err != nil {
				return err
			}
		}
	}

	if updated {
		log.Info("sliceconf: applying updated slice configurations")
		if err := sysunit.DaemonReload(ctx, conn); err != nil {
			return err
		}
	}

	if cfg.IOCost != nil {
		enable := cfg.Runtime.Enabled(knobs.DisableSeqs.IO)
		if err := cfg.IOCost.SetIOCostEnabled(ctx, enable); err != nil {
			log.Warn("sliceconf: failed to enable/disable iocost", "error", err)
			return err
		}
	}

	return nil
}

// clearOneSlice resets the overrides ecfg names back to systemd defaults,
// stops the slice if it's lazily activated, and removes its configlet. It
// reports whether the configlet existed and was removed.
func clearOneSlice(ctx context.Context, conn sysunit.Conn, paths Paths, log *slog.Logger, s slice.Slice, ecfg slice.EnforceConfig) (bool, error) {
	unit, err := sysunit.Lookup(ctx, conn, s.Name())
	if err != nil {
		log.Error("sliceconf: failed to look up unit for clear", "slice", s.Name(), "error", err)
	} else {
		var reset sysunit.ResCtl
		if ecfg.CPU {
			v := defaultWeight
			reset.CPUWeight = &v
		}
		if ecfg.EnforceMem(s) {
			z := uint64(0)
			reset.MemMin = &z
			reset.MemLow = &z
		}
		if ecfg.IO {
			v := defaultWeight
			reset.IOWeight = &v
		}
		unit.ResCtl = reset
		if err := unit.Apply(ctx); err != nil {
			log.Error("sliceconf: failed to reset slice", "slice", s.Name(), "error", err)
		}
		if s.NeedsStartStop() {
			if err := unit.Stop(ctx); err != nil {
				log.Error("sliceconf: failed to stop slice", "slice", s.Name(), "error", err)
			}
		}
	}

	path := paths.ConfigletPath(s.Name())
	if _, err := os.Stat(path); err == nil {
		log.Debug("sliceconf: removing configlet", "path", path)
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("sliceconf: remove %s: %w", path, err)
		}
		return true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("sliceconf: stat %s: %w", path, err)
	}
	return false, nil
}

// defaultWeight is systemd's default CPUWeight=/IOWeight= of 100, restored
// when clearing an override rather than leaving the property unmanaged.
const defaultWeight uint32 = 100

// ClearSlices resets every slice whose dimension(s) ecfg names, back to
// systemd defaults, and batches a single daemon-reload if any configlet was
// removed.
func ClearSlices(ctx context.Context, conn sysunit.Conn, ecfg slice.EnforceConfig, paths Paths, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if paths.DropinRoot == "" {
		paths = DefaultPaths()
	}

	updated := false
	for _, s := range slice.All() {
		if !ecfg.CPU && !ecfg.EnforceMem(s) && !ecfg.IO {
			continue
		}
		changed, err := clearOneSlice(ctx, conn, paths, log, s, ecfg)
		if err != nil {
			log.Warn("sliceconf: failed to clear slice configuration", "slice", s.Name(), "error", err)
			continue
		}
		if changed {
			updated = true
		}

		if ecfg.EnforceMem(s) && s.NeedsMemProtPropagation() {
			if err := propagateOneSlice(ctx, conn, log, s, sysunit.ResCtl{}); err != nil {
				return err
			}
		}
	}

	if updated {
		return sysunit.DaemonReload(ctx, conn)
	}
	return nil
}
