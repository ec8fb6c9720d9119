package runctx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// RunnerState mirrors the agent's own state machine as reported in the
// report file; this package only reads it, it never drives the transitions.
type RunnerState string

const (
	RunnerStateInitializing RunnerState = "Initializing"
	RunnerStateRunning      RunnerState = "Running"
	RunnerStateBenchHashd   RunnerState = "BenchHashd"
	RunnerStateBenchIoCost  RunnerState = "BenchIoCost"
	RunnerStateReportOnly   RunnerState = "ReportOnly"
)

// AgentReportData is the subset of the agent's report file this package
// acts on: enough to tell the minder the agent is alive and recent, and to
// let callers wait for a particular runner state.
type AgentReportData struct {
	Timestamp time.Time   `json:"timestamp"`
	State     RunnerState `json:"state"`
}

// AgentReportFile is the agent's periodically-rewritten status file.
type AgentReportFile struct {
	Path string
	Data AgentReportData
}

func newAgentReportFile(dir string) *AgentReportFile {
	return &AgentReportFile{Path: filepath.Join(dir, "report.json")}
}

// Load re-reads the file from disk. A missing file (the agent hasn't
// written one yet) is not an error — Data simply keeps its last value.
func (f *AgentReportFile) Load() error {
	return loadJSON(f.Path, &f.Data)
}

// AgentBenchData carries the monotonically increasing sequence numbers the
// agent bumps as it completes each requested benchmark run.
type AgentBenchData struct {
	HashdSeq uint64 `json:"hashd_seq"`
}

// AgentBenchFile is the agent's benchmark-completion sequence tracker.
type AgentBenchFile struct {
	Path string
	Data AgentBenchData
}

func newAgentBenchFile(dir string) *AgentBenchFile {
	return &AgentBenchFile{Path: filepath.Join(dir, "bench.json")}
}

func (f *AgentBenchFile) Load() error {
	return loadJSON(f.Path, &f.Data)
}

// AgentCommandData is the opaque-to-us command blob the agent consumes;
// this package only ever mutates and saves it, it never interprets it.
type AgentCommandData struct {
	HashdLogBps           uint64   `json:"hashd_log_bps,omitempty"`
	BenchHashdBalloonSize int      `json:"bench_hashd_balloon_size,omitempty"`
	BenchHashdArgs        []string `json:"bench_hashd_args,omitempty"`
	BenchHashdSeq         uint64   `json:"bench_hashd_seq,omitempty"`
}

// AgentCommandFile is the request side of the command/report round trip:
// callers mutate Data and Save it; the agent picks it up on its own poll
// cycle.
type AgentCommandFile struct {
	Path string
	Data AgentCommandData
}

func newAgentCommandFile(dir string) *AgentCommandFile {
	return &AgentCommandFile{Path: filepath.Join(dir, "cmd.json")}
}

func (f *AgentCommandFile) Load() error {
	return loadJSON(f.Path, &f.Data)
}

// Save writes Data out, creating the containing directory if necessary.
func (f *AgentCommandFile) Save() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(f.Data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, buf, 0o644)
}

// AgentIndexData points at the directory the agent drops dated report
// snapshots into.
type AgentIndexData struct {
	ReportDir string `json:"report_d"`
}

// AgentIndexFile is the agent's directory-layout manifest.
type AgentIndexFile struct {
	Path string
	Data AgentIndexData
}

func newAgentIndexFile(dir string) *AgentIndexFile {
	return &AgentIndexFile{Path: filepath.Join(dir, "index.json")}
}

func (f *AgentIndexFile) Load() error {
	return loadJSON(f.Path, &f.Data)
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// AgentFiles bundles the command/report/bench/index quartet the run
// context and minder task share access to, all rooted at the same run
// directory.
type AgentFiles struct {
	Dir    string
	Cmd    *AgentCommandFile
	Report *AgentReportFile
	Bench  *AgentBenchFile
	Index  *AgentIndexFile
}

// NewAgentFiles wires up the quartet without reading anything yet; call
// Refresh to populate them.
func NewAgentFiles(dir string) *AgentFiles {
	return &AgentFiles{
		Dir:    dir,
		Cmd:    newAgentCommandFile(dir),
		Report: newAgentReportFile(dir),
		Bench:  newAgentBenchFile(dir),
		Index:  newAgentIndexFile(dir),
	}
}

// Refresh reloads all four files, best-effort: a parse failure on any one
// file (the agent may be mid-write) is swallowed rather than propagated,
// matching the minder's tolerance for transient read races.
func (af *AgentFiles) Refresh() {
	_ = af.Report.Load()
	_ = af.Bench.Load()
	_ = af.Index.Load()
	_ = af.Cmd.Load()
}
