// Package runctx supervises a single benchmark run: it owns the shared
// agent-files state, starts and stops the agent's transient unit through an
// injected collaborator, and runs the Minder Task — a goroutine that polls
// the agent's lifecycle state and report freshness and fails the run closed
// if either goes stale.
//
// Grounded on resctl-bench's RunCtx/RunCtxInner/minder/wait_cond_fallible/
// start_hashd_bench (original_source/resctl-bench/src/run.rs). The agent
// binary itself and the benchmark algorithms it runs are out of scope
// (spec.md §1); AgentUnit is the seam where that external process is
// plugged in.
package runctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/resctl-core/rdcore/pkg/sysunit"
)

// AgentStartupDeadline bounds how long StartAgent waits for the agent to
// report RunnerStateRunning after its transient unit is started.
const AgentStartupDeadline = 30 * time.Second

// MinderStaleDeadline bounds both how long the minder tolerates a failing
// status refresh and how long it tolerates a report file that has stopped
// advancing, before declaring the run dead. Named separately from
// AgentStartupDeadline even though both are currently 30s, so a future
// change to one doesn't silently change the other.
const MinderStaleDeadline = 30 * time.Second

// CommandTimeout is the acknowledgement timeout for benchmark commands.
// IssueCommand does not apply it on its own; it waits for whatever timeout
// its caller passes.
const CommandTimeout = 10 * time.Second

// MinderStateKind classifies why the minder stopped supervising, or that it
// is still healthy.
type MinderStateKind int

const (
	MinderOk MinderStateKind = iota
	MinderAgentTimeout
	MinderAgentNotRunning
	MinderReportTimeout
)

// MinderState is the minder's last-observed health, read by WaitCond to
// fail a blocked wait closed instead of hanging forever.
type MinderState struct {
	Kind      MinderStateKind
	UnitState sysunit.State // populated only for MinderAgentNotRunning
}

func (s MinderState) String() string {
	switch s.Kind {
	case MinderOk:
		return "ok"
	case MinderAgentTimeout:
		return "agent status refresh timed out"
	case MinderAgentNotRunning:
		return fmt.Sprintf("agent not running (%s)", s.UnitState)
	case MinderReportTimeout:
		return "agent report went stale"
	default:
		return "unknown"
	}
}

// AgentUnit is the collaborator that represents the running agent process
// as a supervisable unit. SystemdAgentUnit is the implementation that
// launches the agent binary as a transient unit; RunCtx itself only drives
// and supervises whatever AgentUnit fronts.
type AgentUnit interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Refresh(ctx context.Context) (sysunit.State, error)
}

// ProgressKicker is notified whenever the run context's agent-files view or
// agent lifecycle changes, so a caller-owned progress display can redraw.
// Rendering itself is out of scope; this is just the hook.
type ProgressKicker interface {
	Kick()
}

type noopKicker struct{}

func (noopKicker) Kick() {}

var (
	// ErrAlreadyRunning is returned by StartAgent when an agent is already
	// under supervision.
	ErrAlreadyRunning = errors.New("runctx: agent already running")
	// ErrTimeout is returned by WaitCond when the deadline elapses before
	// cond is satisfied.
	ErrTimeout = errors.New("runctx: timed out waiting for condition")
)

// InvocationParams are the Startup procedure's per-run launch parameters:
// the optional target block device and kernel-source tarball, and the
// mutually-exclusive launch-mode flags that become the agent's argv.
type InvocationParams struct {
	// Dev is the target block device iocost is tuned against. Empty means
	// unset (no --dev passed).
	Dev string
	// LinuxTar is the path to a prebuilt kernel-source tarball used by the
	// build-heavy benchmark workload. Only consulted when NeedLinuxTar is
	// set; otherwise the agent is explicitly told to skip it.
	LinuxTar string
	// NeedLinuxTar gates whether the workload needs LinuxTar at all. When
	// false, the agent is launched with --linux-tar __SKIP__ regardless of
	// LinuxTar.
	NeedLinuxTar bool
	// PrepTestfiles runs the hashd binary's synchronous testfile-preparation
	// pass before the agent is launched.
	PrepTestfiles bool
	Bypass        bool
	// PassiveAll and PassiveKeepCritMemProt are mutually exclusive; PassiveAll
	// takes precedence if both are set.
	PassiveAll             bool
	PassiveKeepCritMemProt bool

	// AgentBin and HashdBin locate the agent and hashd executables. Both
	// default to their bare names, resolved by the unit manager/exec.Command
	// the same way any other command on PATH would be.
	AgentBin string
	HashdBin string
}

func (p InvocationParams) agentBin() string {
	if p.AgentBin != "" {
		return p.AgentBin
	}
	return "rd-agent"
}

func (p InvocationParams) hashdBin() string {
	if p.HashdBin != "" {
		return p.HashdBin
	}
	return "rd-hashd"
}

// Config bundles the run context's construction-time dependencies.
type Config struct {
	Dir    string
	Log    *slog.Logger
	Kicker ProgressKicker
	Params InvocationParams
}

// RunCtx is the shared state one benchmark run's agent supervision and
// command/report round trips are threaded through. All mutable state lives
// behind mu; AgentUnit callbacks and the minder goroutine never touch it
// without holding the lock.
type RunCtx struct {
	mu     sync.Mutex
	dir    string
	log    *slog.Logger
	kicker ProgressKicker
	params InvocationParams

	files       *AgentFiles
	agent       AgentUnit
	minderState MinderState

	minderCancel context.CancelFunc
	minderDone   chan struct{}
}

// New constructs a RunCtx rooted at cfg.Dir. It does not start anything.
func New(cfg Config) *RunCtx {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	kicker := cfg.Kicker
	if kicker == nil {
		kicker = noopKicker{}
	}
	return &RunCtx{
		dir:    cfg.Dir,
		log:    log,
		kicker: kicker,
		params: cfg.Params,
		files:  NewAgentFiles(cfg.Dir),
	}
}

// buildAgentArgs constructs the agent's full command line: the binary, its
// base directory argument and optional --dev, --reset, --keep-reports, the
// conditional --linux-tar, the conditional --bypass, and the
// mutually-exclusive --passive flag.
func (r *RunCtx) buildAgentArgs() []string {
	p := r.params
	args := []string{p.agentBin(), "--dir", r.dir}
	if p.Dev != "" {
		args = append(args, "--dev", p.Dev)
	}
	args = append(args, "--reset", "--keep-reports")

	if p.NeedLinuxTar && p.LinuxTar != "" {
		args = append(args, "--linux-tar", p.LinuxTar)
	} else if !p.NeedLinuxTar {
		args = append(args, "--linux-tar", "__SKIP__")
	}

	if p.Bypass {
		args = append(args, "--bypass")
	}

	switch {
	case p.PassiveAll:
		args = append(args, "--passive=all")
	case p.PassiveKeepCritMemProt:
		args = append(args, "--passive=keep-crit-mem-prot")
	}

	return args
}

// prepTestfiles synchronously runs the hashd binary's testfile-preparation
// pass, so the agent doesn't pay that cost itself the first time it needs
// the scratch testfiles.
func (r *RunCtx) prepTestfiles(ctx context.Context) error {
	testfiles := filepath.Join(r.dir, "scratch", "hashd-A", "testfiles")
	cmd := exec.CommandContext(ctx, r.params.hashdBin(), "--testfiles", testfiles, "--keep-caches", "--prepare")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("runctx: prepare testfiles: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Start runs the Startup procedure in full: the synchronous testfiles
// preparation step if configured, then building the agent's command line
// and placing it as a transient unit named unitName under conn, before
// handing off to StartAgent's minder and readiness wait.
func (r *RunCtx) Start(ctx context.Context, conn sysunit.Conn, unitName string) error {
	if r.params.PrepTestfiles {
		if err := r.prepTestfiles(ctx); err != nil {
			return err
		}
	}
	agent := NewSystemdAgentUnit(conn, unitName, r.buildAgentArgs())
	return r.StartAgent(ctx, agent)
}

// StartAgent starts agent, launches the minder, and blocks until the agent
// reports RunnerStateRunning with a timestamp at or after the call, or
// AgentStartupDeadline elapses — at which point the agent is stopped again
// and an error returned.
func (r *RunCtx) StartAgent(ctx context.Context, agent AgentUnit) error {
	startedAt := time.Now()
	r.mu.Lock()
	if r.agent != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := agent.Start(ctx); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("runctx: start agent: %w", err)
	}
	r.agent = agent
	r.minderState = MinderState{Kind: MinderOk}

	minderCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.minderCancel = cancel
	r.minderDone = done
	r.mu.Unlock()

	go r.minder(minderCtx, done)

	err := r.WaitCond(ctx, func(rep *AgentReportFile, _ *AgentBenchFile) bool {
		return !rep.Data.Timestamp.Before(startedAt) && rep.Data.State == RunnerStateRunning
	}, AgentStartupDeadline)
	if err != nil {
		_ = r.StopAgent(ctx)
		return fmt.Errorf("runctx: agent failed to report back after startup: %w", err)
	}
	return nil
}

// StopAgent stops the supervised agent, if any, and waits for the minder
// goroutine to exit. Safe to call when no agent is running.
func (r *RunCtx) StopAgent(ctx context.Context) error {
	r.mu.Lock()
	agent := r.agent
	r.agent = nil
	r.mu.Unlock()

	var stopErr error
	if agent != nil {
		stopErr = agent.Stop(ctx)
	}
	r.kicker.Kick()

	r.mu.Lock()
	cancel := r.minderCancel
	done := r.minderDone
	r.minderCancel = nil
	r.minderDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return stopErr
}

// minder polls the agent's lifecycle state on an absolute-UNIX-second
// schedule and fails the run closed if the agent stops responding or its
// report file goes stale. Each pass recomputes the next wakeup as the
// next whole UNIX second after now rather than sleeping a fixed interval
// or incrementing the previous wakeup, so a slow pass (a laggy
// D-Bus round trip, GC pause) doesn't push every subsequent tick later —
// the schedule corrects back to the second boundary instead of drifting.
// Every exit path — normal cancellation included — ends with one final
// agent-files refresh and progress kick, so a caller blocked in WaitCond
// always observes the latest state before deciding what to do next.
func (r *RunCtx) minder(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.files.Refresh()
		r.mu.Unlock()
		r.kicker.Kick()
	}()

	lastStatusAt := time.Now()
	lastReportAt := time.Now()
	nextAt := time.Now().Add(time.Second)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(nextAt)):
		}

		if r.minderTick(ctx, &lastStatusAt, &lastReportAt) {
			return
		}
		nextAt = time.Unix(time.Now().Unix()+1, 0)
	}
}

// minderTick runs one status-refresh-and-report-freshness check, reporting
// whether the minder should stop (true) and, if so, has already recorded
// the terminal MinderState.
func (r *RunCtx) minderTick(ctx context.Context, lastStatusAt, lastReportAt *time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent := r.agent
	if agent == nil {
		r.log.Debug("minder: agent is gone, exiting")
		return true
	}

	nrTries := 3
	for {
		state, err := agent.Refresh(ctx)
		if err != nil {
			if time.Since(*lastStatusAt) > MinderStaleDeadline {
				r.log.Error("minder: failed to update agent status, giving up", "timeout", MinderStaleDeadline, "error", err)
				r.minderState = MinderState{Kind: MinderAgentTimeout}
				return true
			}
			r.log.Warn("minder: failed to refresh agent status", "error", err)
			break
		}
		*lastStatusAt = time.Now()

		if state != sysunit.StateRunning {
			if nrTries > 0 {
				r.log.Warn("minder: agent status != running, re-verifying", "state", state)
				nrTries--
				continue
			}
			r.log.Error("minder: agent is not running", "state", state)
			r.minderState = MinderState{Kind: MinderAgentNotRunning, UnitState: state}
			return true
		}
		break
	}

	r.files.Refresh()
	r.kicker.Kick()

	if reportAt := r.files.Report.Data.Timestamp; reportAt.After(*lastReportAt) {
		*lastReportAt = reportAt
	}
	if time.Since(*lastReportAt) > MinderStaleDeadline {
		r.log.Error("minder: agent report is stale, giving up", "timeout", MinderStaleDeadline)
		r.minderState = MinderState{Kind: MinderReportTimeout}
		return true
	}
	return false
}

// WaitCond polls cond against the current report/bench files until it
// returns true, the minder reports a non-Ok state, ctx is cancelled, or
// timeout elapses (zero means wait indefinitely, bounded only by ctx).
func (r *RunCtx) WaitCond(ctx context.Context, cond func(*AgentReportFile, *AgentBenchFile) bool, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		r.mu.Lock()
		ok := cond(r.files.Report, r.files.Bench)
		state := r.minderState
		r.mu.Unlock()

		if ok {
			return nil
		}
		if state.Kind != MinderOk {
			return fmt.Errorf("runctx: agent error (%s)", state)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// AccessAgentFiles runs fn with the agent files locked, for callers that
// need a consistent multi-field read or a raw Cmd mutation outside
// IssueCommand's wait loop.
func AccessAgentFiles[T any](r *RunCtx, fn func(*AgentFiles) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.files)
}

// IssueCommand mutates the command file, saves it, and waits for until to
// observe its effect in the report/bench files.
func (r *RunCtx) IssueCommand(ctx context.Context, mutate func(*AgentCommandData), until func(*AgentReportFile, *AgentBenchFile) bool, timeout time.Duration) error {
	r.mu.Lock()
	mutate(&r.files.Cmd.Data)
	err := r.files.Cmd.Save()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("runctx: save command file: %w", err)
	}

	return r.WaitCond(ctx, until, timeout)
}
