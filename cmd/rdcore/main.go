// Command rdcore drives the resource-control core end to end: apply
// declarative slice knobs through the unit manager, verify and fix cgroupfs
// drift against them, clear overrides back out, or run a supervised agent
// benchmark session.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resctl-core/rdcore/pkg/cgroupfs"
	"github.com/resctl-core/rdcore/pkg/rtconfig"
	"github.com/resctl-core/rdcore/pkg/runctx"
	"github.com/resctl-core/rdcore/pkg/slice"
	"github.com/resctl-core/rdcore/pkg/sliceconf"
	"github.com/resctl-core/rdcore/pkg/sysunit"
	"github.com/spf13/cobra"
)

var (
	knobsPath   string
	dropinRoot  string
	cgroupRoot  string
	instanceSeq uint64

	enforceCPU         bool
	enforceIO          bool
	enforceMem         bool
	enforceCritMemProt bool

	workloadSenpai bool
	hashdMemSize   uint64

	runDir  string
	runUnit string

	runDev                    string
	runLinuxTar               string
	runNeedLinuxTar           bool
	runPrepTestfiles          bool
	runBypass                 bool
	runPassiveAll             bool
	runPassiveKeepCritMemProt bool
	runAgentBin               string
	runHashdBin               string
)

func main() {
	root := &cobra.Command{
		Use:   "rdcore",
		Short: "Resource-control core for a Linux workload isolation toolkit",
		Long: `rdcore reconciles cgroup v2 resource slices through systemd unit
drop-ins and direct cgroupfs writes, and supervises a benchmark run's agent
process via a liveness-checking minder task.`,
	}

	root.PersistentFlags().StringVar(&knobsPath, "knobs", "", "path to a slice-knobs configuration file (JSON)")
	root.PersistentFlags().StringVar(&dropinRoot, "dropin-root", sliceconf.DefaultPaths().DropinRoot, "systemd drop-in root directory")
	root.PersistentFlags().StringVar(&cgroupRoot, "cgroup-root", slice.CgroupRoot, "cgroup v2 mount point")
	root.PersistentFlags().Uint64Var(&instanceSeq, "instance-seq", uint64(time.Now().Unix()), "monotone instance sequence gating disable_seqs")

	root.PersistentFlags().BoolVar(&enforceCPU, "enforce-cpu", true, "enforce CPU weight overrides")
	root.PersistentFlags().BoolVar(&enforceIO, "enforce-io", true, "enforce IO weight overrides")
	root.PersistentFlags().BoolVar(&enforceMem, "enforce-mem", true, "enforce memory protection/limit overrides")
	root.PersistentFlags().BoolVar(&enforceCritMemProt, "enforce-crit-mem-prot", true, "protect host/init slices even with --enforce-mem=false")

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply slice knobs through the unit manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context())
		},
	}
	applyCmd.Flags().Uint64Var(&hashdMemSize, "hashd-mem-size", 0, "dynamic sizing input for Work's derived mem_low when work_mem_low_none is set")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear slice overrides and stop on-demand slices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(cmd.Context())
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify and fix cgroupfs drift against the configured knobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context())
		},
	}
	verifyCmd.Flags().BoolVar(&workloadSenpai, "workload-senpai", false, "skip memory.high verification (an external tuner owns it)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent transient unit and supervise it until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context())
		},
	}
	runCmd.Flags().StringVar(&runDir, "dir", "", "agent run directory (command/report/bench/index files)")
	runCmd.Flags().StringVar(&runUnit, "unit", "rdcore-agent.service", "transient unit name supervising the agent process")
	runCmd.Flags().StringVar(&runDev, "dev", "", "target block device iocost is tuned against")
	runCmd.Flags().StringVar(&runLinuxTar, "linux-tar", "", "kernel-source tarball path for the build workload")
	runCmd.Flags().BoolVar(&runNeedLinuxTar, "need-linux-tar", false, "workload needs the kernel-source tarball")
	runCmd.Flags().BoolVar(&runPrepTestfiles, "prep-testfiles", false, "synchronously prepare hashd's testfiles before starting the agent")
	runCmd.Flags().BoolVar(&runBypass, "bypass", false, "launch the agent in bypass mode")
	runCmd.Flags().BoolVar(&runPassiveAll, "passive-all", false, "launch the agent fully passive")
	runCmd.Flags().BoolVar(&runPassiveKeepCritMemProt, "passive-keep-crit-mem-prot", false, "launch the agent passive but keep critical memory protection")
	runCmd.Flags().StringVar(&runAgentBin, "agent-bin", "", "agent binary name or path (default rd-agent)")
	runCmd.Flags().StringVar(&runHashdBin, "hashd-bin", "", "hashd binary name or path (default rd-hashd)")

	root.AddCommand(applyCmd, clearCmd, verifyCmd, runCmd)

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRuntime() (*rtconfig.Runtime, error) {
	rt, err := rtconfig.New(instanceSeq)
	if err != nil {
		return nil, fmt.Errorf("probe runtime: %w", err)
	}
	return rt, nil
}

func enforceConfig() slice.EnforceConfig {
	return slice.EnforceConfig{
		CPU:         enforceCPU,
		IO:          enforceIO,
		Mem:         enforceMem,
		CritMemProt: enforceCritMemProt,
	}
}

func requireKnobs() (*slice.SliceKnobs, error) {
	if knobsPath == "" {
		return nil, fmt.Errorf("--knobs is required")
	}
	knobs, err := sliceconf.LoadKnobsFile(knobsPath)
	if err != nil {
		return nil, err
	}
	return knobs, nil
}

func runApply(ctx context.Context) error {
	knobs, err := requireKnobs()
	if err != nil {
		return err
	}
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	conn, err := sysunit.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer func() { _ = conn.Close() }()

	cfg := sliceconf.Config{
		Enforce: enforceConfig(),
		Runtime: rt,
		IOCost:  cgroupfs.DeviceIOCostSwitch{Root: cgroupRoot},
		Paths:   sliceconf.Paths{DropinRoot: dropinRoot},
	}
	return sliceconf.ApplySlices(ctx, conn, knobs, hashdMemSize, cfg)
}

func runClear(ctx context.Context) error {
	conn, err := sysunit.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer func() { _ = conn.Close() }()

	paths := sliceconf.Paths{DropinRoot: dropinRoot}
	return sliceconf.ClearSlices(ctx, conn, enforceConfig(), paths, nil)
}

func runVerify(ctx context.Context) error {
	knobs, err := requireKnobs()
	if err != nil {
		return err
	}
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	conn, err := sysunit.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer func() { _ = conn.Close() }()

	cfg := cgroupfs.Config{
		Enforce: enforceConfig(),
		Runtime: rt,
		Root:    cgroupRoot,
	}
	if err := cgroupfs.VerifyAndFixSlices(ctx, conn, knobs, workloadSenpai, cfg); err != nil {
		return err
	}
	report := cgroupfs.CheckOtherIOControllers(cgroupRoot)
	if report.Failed {
		slog.Warn("competing IO controller detected", "offender", report.FirstOffender, "count", report.Count)
	}
	return nil
}

func runRun(ctx context.Context) error {
	if runDir == "" {
		return fmt.Errorf("--dir is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := sysunit.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer func() { _ = conn.Close() }()

	rc := runctx.New(runctx.Config{
		Dir: runDir,
		Params: runctx.InvocationParams{
			Dev:                    runDev,
			LinuxTar:               runLinuxTar,
			NeedLinuxTar:           runNeedLinuxTar,
			PrepTestfiles:          runPrepTestfiles,
			Bypass:                 runBypass,
			PassiveAll:             runPassiveAll,
			PassiveKeepCritMemProt: runPassiveKeepCritMemProt,
			AgentBin:               runAgentBin,
			HashdBin:               runHashdBin,
		},
	})

	if err := rc.Start(ctx, conn, runUnit); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	slog.Info("agent running", "unit", runUnit, "dir", runDir)

	<-ctx.Done()
	slog.Info("stopping agent", "unit", runUnit)
	return rc.StopAgent(context.Background())
}
