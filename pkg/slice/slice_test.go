package slice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAll_Order(t *testing.T) {
	got := All()
	want := []Slice{Host, Init, System, User, Work, Side}
	assert.Equal(t, want, got)
}

func TestName_And_Cgrp(t *testing.T) {
	assert.Equal(t, "workload.slice", Work.Name())
	assert.Equal(t, "/sys/fs/cgroup/workload.slice", Work.Cgrp())
	assert.Equal(t, "sideload.slice", Side.Name())
	assert.Equal(t, "host.slice", Host.Name())
}

func TestNeedsStartStop(t *testing.T) {
	for _, s := range All() {
		if s == Side {
			assert.True(t, s.NeedsStartStop())
		} else {
			assert.False(t, s.NeedsStartStop(), s.Name())
		}
	}
}

func TestNeedsCritMemProt(t *testing.T) {
	assert.True(t, Host.NeedsCritMemProt())
	assert.True(t, Init.NeedsCritMemProt())
	for _, s := range []Slice{System, User, Work, Side} {
		assert.False(t, s.NeedsCritMemProt(), s.Name())
	}
}

func TestNeedsMemProtPropagation(t *testing.T) {
	assert.False(t, Work.NeedsMemProtPropagation())
	assert.False(t, Side.NeedsMemProtPropagation())
	for _, s := range []Slice{Host, Init, System, User} {
		assert.True(t, s.NeedsMemProtPropagation(), s.Name())
	}
}

func TestEnforceConfig_EnforceMem(t *testing.T) {
	e := EnforceConfig{Mem: false, CritMemProt: true}
	assert.True(t, e.EnforceMem(Host))
	assert.True(t, e.EnforceMem(Init))
	assert.False(t, e.EnforceMem(Work))

	e2 := EnforceConfig{Mem: true, CritMemProt: false}
	for _, s := range All() {
		assert.True(t, e2.EnforceMem(s), s.Name())
	}
}

func TestEnforceConfig_AnyEnforced(t *testing.T) {
	var e EnforceConfig
	assert.False(t, e.AnyEnforced(Work))

	e.CPU = true
	assert.True(t, e.AnyEnforced(Work))
}

func TestSliceKnobs_Get(t *testing.T) {
	var k SliceKnobs
	k.Get(Work).CPUWeight = 100
	assert.Equal(t, uint32(100), k.Slices[Work].CPUWeight)
}
