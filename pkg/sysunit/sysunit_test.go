package sysunit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateFromActiveSub(t *testing.T) {
	cases := []struct {
		active, sub string
		want        State
	}{
		{"active", "running", StateRunning},
		{"active", "exited", StateOtherActive},
		{"failed", "failed", StateFailed},
		{"inactive", "dead", StateInactive},
		{"activating", "start", StateInactive},
		{"reloading", "reload", StateUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, stateFromActiveSub(c.active, c.sub), "%s/%s", c.active, c.sub)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", StateUnknown.String())
}

func u32p(v uint32) *uint32 { return &v }
func u64p(v uint64) *uint64 { return &v }

func TestResCtl_Equal(t *testing.T) {
	a := ResCtl{CPUWeight: u32p(100), MemMin: u64p(1024)}
	b := ResCtl{CPUWeight: u32p(100), MemMin: u64p(1024)}
	c := ResCtl{CPUWeight: u32p(200), MemMin: u64p(1024)}
	d := ResCtl{CPUWeight: u32p(100)}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.True(t, ResCtl{}.Equal(ResCtl{}))
}

func TestResCtlFromProps(t *testing.T) {
	props := map[string]interface{}{
		"CPUWeight":  uint64(100),
		"IOWeight":   uint64(math.MaxUint64),
		"MemoryMin":  uint64(1 << 20),
		"MemoryHigh": uint64(math.MaxUint64),
	}
	r := resCtlFromProps(props)
	if assert.NotNil(t, r.CPUWeight) {
		assert.Equal(t, uint32(100), *r.CPUWeight)
	}
	assert.Nil(t, r.IOWeight, "infinity CPU/IO weight is treated as unset")
	if assert.NotNil(t, r.MemMin) {
		assert.Equal(t, uint64(1<<20), *r.MemMin)
	}
	if assert.NotNil(t, r.MemHigh) {
		assert.Equal(t, uint64(math.MaxUint64), *r.MemHigh)
	}
	assert.Nil(t, r.MemLow)
	assert.Nil(t, r.MemMax)
}
