// Package memknob encodes the symbolic memory quantities used throughout the
// resource-control core (SliceConfig.mem_min/mem_low/mem_high) into the two
// wire dialects the rest of the system writes: cgroupfs ("max" for
// unlimited) and the unit manager's resource-control overrides ("infinity"
// for unlimited, or an absent property for MemoryKnob.None).
//
// Grounded on rd-agent's MemoryKnob/mknob_to_cgrp_string/mknob_to_systemd_string
// (original_source/rd-agent/src/slices.rs).
package memknob

import (
	"fmt"
	"math"

	"github.com/resctl-core/rdcore/pkg/types"
)

// Kind tags the variant carried by a Knob.
type Kind int

const (
	KindNone Kind = iota
	KindMax
	KindBytes
	KindPercent
)

// Knob is the tagged memory quantity: None | Max | Bytes(u64) | Percent(f64).
type Knob struct {
	kind    Kind
	bytes   uint64
	percent float64
}

// None represents "no protection" (for mem_min/mem_low) or, for limits,
// resolves to the maximum representable value.
func None() Knob { return Knob{kind: KindNone} }

// Max represents the unlimited/unbounded knob value.
func Max() Knob { return Knob{kind: KindMax} }

// FromBytes is an absolute byte quantity.
func FromBytes(b types.Bytes) Knob { return Knob{kind: KindBytes, bytes: b.ToUint64()} }

// FromPercent is a percentage of total system memory, p in [0,100].
func FromPercent(p float64) Knob { return Knob{kind: KindPercent, percent: p} }

func (k Knob) Kind() Kind { return k.kind }

// NrBytes resolves the knob to a concrete byte count against totalMemory.
// isLimit selects the ceiling interpretation: for protections (mem_min,
// mem_low) None resolves to 0; for limits (mem_high, mem_max) None resolves
// to math.MaxUint64, same as Max.
func (k Knob) NrBytes(isLimit bool, totalMemory uint64) uint64 {
	switch k.kind {
	case KindNone:
		if isLimit {
			return math.MaxUint64
		}
		return 0
	case KindMax:
		return math.MaxUint64
	case KindBytes:
		return k.bytes
	case KindPercent:
		p := k.percent
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		return uint64(p / 100 * float64(totalMemory))
	default:
		return 0
	}
}

// CgroupfsString renders the knob the way a cgroupfs memory.* file expects:
// "max" for unlimited, a decimal integer otherwise.
func CgroupfsString(k Knob, isLimit bool, totalMemory uint64) string {
	v := k.NrBytes(isLimit, totalMemory)
	if v == math.MaxUint64 {
		return "max"
	}
	return fmt.Sprintf("%d", v)
}

// UnitString renders the knob the way a systemd-style resource-control
// property (MemoryMin=, MemoryLow=, MemoryHigh=) expects: "infinity" for
// unlimited, a decimal integer otherwise.
func UnitString(k Knob, isLimit bool, totalMemory uint64) string {
	v := k.NrBytes(isLimit, totalMemory)
	if v == math.MaxUint64 {
		return "infinity"
	}
	return fmt.Sprintf("%d", v)
}

// ToOverrideValue maps the knob to the Unit Adapter's override representation:
// None -> absent (ok=false); everything else -> the resolved byte count as a
// limit (present, ok=true). Used when building a UnitResCtl for cascade
// propagation.
func ToOverrideValue(k Knob, totalMemory uint64) (value uint64, ok bool) {
	if k.kind == KindNone {
		return 0, false
	}
	return k.NrBytes(true, totalMemory), true
}

// ParseKnob parses a symbolic configuration value into a Knob: "none",
// "max", a trailing-"%" percentage, or a plain decimal byte count. This is
// the CLI/config-file counterpart to ParseCgroupValue's on-disk format.
func ParseKnob(s string) (Knob, error) {
	switch s {
	case "", "none":
		return None(), nil
	case "max":
		return Max(), nil
	}
	if len(s) > 1 && s[len(s)-1] == '%' {
		var p float64
		if _, err := fmt.Sscanf(s[:len(s)-1], "%g", &p); err != nil {
			return Knob{}, fmt.Errorf("memknob: parse percent %q: %w", s, err)
		}
		return FromPercent(p), nil
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return Knob{}, fmt.Errorf("memknob: parse knob %q: %w", s, err)
	}
	return FromBytes(types.ToBytes(v)), nil
}

// ParseCgroupValue parses a cgroupfs memory.* file's content ("max" or a
// decimal integer) back into a byte count.
func ParseCgroupValue(s string) (uint64, error) {
	if s == "max" {
		return math.MaxUint64, nil
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("memknob: parse cgroup value %q: %w", s, err)
	}
	return v, nil
}
