package sliceconf

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/resctl-core/rdcore/pkg/memknob"
	"github.com/resctl-core/rdcore/pkg/slice"
)

// sliceKnobsJSON is the on-disk shape of one slice's configuration: memory
// knobs are symbolic strings (memknob.ParseKnob) rather than the tagged
// union directly, since JSON has no native sum type to hang Knob's variants
// off of.
type sliceKnobsJSON struct {
	CPUWeight uint32 `json:"cpu_weight"`
	IOWeight  uint32 `json:"io_weight"`
	MemMin    string `json:"mem_min"`
	MemLow    string `json:"mem_low"`
	MemHigh   string `json:"mem_high"`
}

// knobsFileJSON is the full wire format for rdcore apply/clear/verify's
// --knobs configuration file: each configurable slice named by role rather
// than array position, so the file reads independently of pkg/slice's enum
// order.
type knobsFileJSON struct {
	Host        sliceKnobsJSON `json:"host"`
	Init        sliceKnobsJSON `json:"init"`
	System      sliceKnobsJSON `json:"system"`
	User        sliceKnobsJSON `json:"user"`
	Work        sliceKnobsJSON `json:"work"`
	Side        sliceKnobsJSON `json:"side"`
	DisableSeqs struct {
		CPU uint64 `json:"cpu"`
		IO  uint64 `json:"io"`
		Mem uint64 `json:"mem"`
	} `json:"disable_seqs"`
	WorkMemLowNone bool `json:"work_mem_low_none"`
}

// LoadKnobsFile reads and decodes a slice-knobs configuration file into a
// slice.SliceKnobs.
func LoadKnobsFile(path string) (*slice.SliceKnobs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sliceconf: read knobs file: %w", err)
	}

	var doc knobsFileJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sliceconf: parse knobs file: %w", err)
	}

	knobs := &slice.SliceKnobs{
		DisableSeqs: slice.DisableSeqKnobs{
			CPU: doc.DisableSeqs.CPU,
			IO:  doc.DisableSeqs.IO,
			Mem: doc.DisableSeqs.Mem,
		},
		WorkMemLowNone: doc.WorkMemLowNone,
	}

	entries := map[slice.Slice]sliceKnobsJSON{
		slice.Host:   doc.Host,
		slice.Init:   doc.Init,
		slice.System: doc.System,
		slice.User:   doc.User,
		slice.Work:   doc.Work,
		slice.Side:   doc.Side,
	}
	for s, j := range entries {
		sc, err := decodeSliceConfig(j)
		if err != nil {
			return nil, fmt.Errorf("sliceconf: slice %s: %w", s, err)
		}
		*knobs.Get(s) = sc
	}
	return knobs, nil
}

func decodeSliceConfig(j sliceKnobsJSON) (slice.SliceConfig, error) {
	min, err := memknob.ParseKnob(j.MemMin)
	if err != nil {
		return slice.SliceConfig{}, err
	}
	low, err := memknob.ParseKnob(j.MemLow)
	if err != nil {
		return slice.SliceConfig{}, err
	}
	high, err := memknob.ParseKnob(j.MemHigh)
	if err != nil {
		return slice.SliceConfig{}, err
	}
	return slice.SliceConfig{
		CPUWeight: j.CPUWeight,
		IOWeight:  j.IOWeight,
		MemMin:    min,
		MemLow:    low,
		MemHigh:   high,
	}, nil
}
