package rtconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTotalMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	writeFile(t, path, "MemTotal:       16384000 kB\nMemFree:        1000 kB\n")

	got, err := readTotalMemory(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(16384000*1024), got)
}

func TestReadTotalMemory_Missing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	writeFile(t, path, "MemFree: 1000 kB\n")

	_, err := readTotalMemory(path)
	assert.Error(t, err)
}

func TestDetectRecursiveProt(t *testing.T) {
	dir := t.TempDir()

	withProt := filepath.Join(dir, "with")
	writeFile(t, withProt, "35 24 0:30 / /sys/fs/cgroup rw,nosuid - cgroup2 cgroup2 rw,nsdelegate,memory_recursiveprot\n")
	assert.True(t, detectRecursiveProt(withProt))

	without := filepath.Join(dir, "without")
	writeFile(t, without, "35 24 0:30 / /sys/fs/cgroup rw,nosuid - cgroup2 cgroup2 rw,nsdelegate\n")
	assert.False(t, detectRecursiveProt(without))
}

func TestRuntime_Enabled(t *testing.T) {
	r := &Runtime{InstanceSeq: 5}
	assert.True(t, r.Enabled(4), "seq below instance seq is enabled")
	assert.False(t, r.Enabled(5), "seq equal to instance seq is gated off")
	assert.False(t, r.Enabled(6))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
