package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"shardd/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	addr     string
	jsonOut  bool
	strategy string
	output   string
	noVerify bool
}

func buildRootCmd() *cobra.Command {
	cfg := &cliConfig{}
	root := &cobra.Command{
		Use:           "shardctl",
		Short:         "Manage a running shardd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := "localhost:8090"
	if v := os.Getenv("SHARDD_ADDR"); v != "" {
		defaultAddr = v
	}
	root.PersistentFlags().StringVar(&cfg.addr, "addr", defaultAddr, "shardd address, host:port")
	root.PersistentFlags().BoolVar(&cfg.jsonOut, "json", false, "print raw JSON responses")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show hardware profile, degradation level and active strategy",
		RunE:  func(cmd *cobra.Command, args []string) error { return runStatus(cfg) },
	}

	mode := &cobra.Command{
		Use:   "mode <performance|balanced|memory_saving>",
		Short: "Switch the adaptive mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newClient(cfg.addr).post("/mode", types.ModeRequest{Mode: args[0]}, &resp); err != nil {
				return err
			}
			fmt.Println("mode set to", args[0])
			return nil
		},
	}

	optimize := &cobra.Command{
		Use:   "optimize <zh|en>",
		Short: "Optimize the engine for serving one language",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runOptimize(cfg, args[0]) },
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Recover to normal level and the baseline strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cfg.addr).post("/reset", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Println("reset done")
			return nil
		},
	}

	memory := &cobra.Command{
		Use:   "memory [model-size-bytes]",
		Short: "Predict the memory budget for a model size",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size := uint64(4 << 30)
			if len(args) == 1 {
				n, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid size: %s", args[0])
				}
				size = n
			}
			return runMemory(cfg, size)
		},
	}

	plan := &cobra.Command{
		Use:   "plan <model-name> <model-size-bytes>",
		Short: "Generate a sharding plan without touching disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size: %s", args[1])
			}
			return runPlan(cfg, args[0], size)
		},
	}

	split := &cobra.Command{
		Use:   "split <model>",
		Short: "Split a model from the daemon's registry into shards",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runSplit(cfg, args[0]) },
	}
	split.Flags().StringVar(&cfg.strategy, "strategy", "", "strategy name (default: auto-select)")

	merge := &cobra.Command{
		Use:   "merge <shard-dir>",
		Short: "Reassemble a shard directory into a model file",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runMerge(cfg, args[0]) },
	}
	merge.Flags().StringVar(&cfg.output, "output", "", "output path (default: <shard-dir>/<model>_merged)")
	merge.Flags().BoolVar(&cfg.noVerify, "no-verify", false, "skip checksum verification")

	models := &cobra.Command{
		Use:   "models",
		Short: "List the models the daemon discovered",
		RunE:  func(cmd *cobra.Command, args []string) error { return runModels(cfg) },
	}

	root.AddCommand(status, mode, optimize, reset, memory, plan, split, merge, models)
	return root
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func runStatus(cfg *cliConfig) error {
	c := newClient(cfg.addr)
	if cfg.jsonOut {
		raw, err := c.getRaw("/status")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	var st types.HardwareStatus
	if err := c.get("/status", &st); err != nil {
		return err
	}
	fmt.Printf("device:      %s\n", st.HardwareProfile.Kind)
	fmt.Printf("memory:      %s free of %s\n",
		humanize.IBytes(st.HardwareProfile.FreeMemoryBytes),
		humanize.IBytes(st.HardwareProfile.TotalMemoryBytes))
	if st.HardwareProfile.GPUAvailable {
		fmt.Printf("gpu:         %s (%s free)\n", st.HardwareProfile.GPUName,
			humanize.IBytes(st.HardwareProfile.FreeVRAMBytes))
	}
	fmt.Printf("mode:        %s\n", st.AdaptiveMode)
	fmt.Printf("level:       %s\n", st.DegradationLevel)
	fmt.Printf("strategy:    %s\n", st.ActiveStrategy)
	fmt.Printf("monitoring:  %v\n", st.MonitoringActive)
	fmt.Printf("uptime:      %ds\n", st.UptimeSeconds)
	return nil
}

func runOptimize(cfg *cliConfig, lang string) error {
	var res types.OptimizeResult
	if err := newClient(cfg.addr).post("/optimize", map[string]string{"language": lang}, &res); err != nil {
		return err
	}
	if cfg.jsonOut {
		return printJSON(res)
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Error)
	}
	fmt.Printf("optimized for %s\n", res.Language)
	for k, v := range res.OptimizedSettings {
		fmt.Printf("  %s: %s\n", k, v)
	}
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	return nil
}

func runMemory(cfg *cliConfig, size uint64) error {
	c := newClient(cfg.addr)
	path := fmt.Sprintf("/memory?model_size=%d", size)
	if cfg.jsonOut {
		raw, err := c.getRaw(path)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	var resp struct {
		Budget types.ResourceBudget   `json:"budget"`
		Device types.DeviceDescriptor `json:"device"`
	}
	if err := c.get(path, &resp); err != nil {
		return err
	}
	fmt.Printf("model size:     %s\n", humanize.IBytes(size))
	fmt.Printf("base memory:    %s\n", humanize.IBytes(resp.Budget.BaseMemory))
	fmt.Printf("runtime cache:  %s\n", humanize.IBytes(resp.Budget.RuntimeCache))
	fmt.Printf("system reserve: %s\n", humanize.IBytes(resp.Budget.SystemReserve))
	fmt.Printf("total needed:   %s\n", humanize.IBytes(resp.Budget.TotalMemory))
	fmt.Printf("host free:      %s\n", humanize.IBytes(resp.Device.FreeMemoryBytes))
	return nil
}

func runPlan(cfg *cliConfig, name string, size int64) error {
	var plan types.ShardPlan
	err := newClient(cfg.addr).post("/plan",
		types.PlanRequest{ModelName: name, ModelSizeBytes: size}, &plan)
	if err != nil {
		return err
	}
	if cfg.jsonOut {
		return printJSON(plan)
	}
	fmt.Printf("strategy:    %s\n", plan.StrategyName)
	fmt.Printf("mode:        %s\n", plan.LoadingMode)
	fmt.Printf("shards:      %d x %s\n", plan.NumShards, humanize.IBytes(uint64(plan.ShardSizeBytes)))
	fmt.Printf("verify:      %s\n", plan.VerificationLevel)
	return nil
}

func runSplit(cfg *cliConfig, model string) error {
	var info types.ShardInfo
	err := newClient(cfg.addr).post("/split",
		map[string]string{"model": model, "strategy": cfg.strategy}, &info)
	if err != nil {
		return err
	}
	if cfg.jsonOut {
		return printJSON(info)
	}
	fmt.Printf("split %s into %d shards (%s) in %.1fs\n",
		info.ModelName, len(info.Shards), info.StrategyType, info.SplitSeconds)
	for _, sh := range info.Shards {
		fmt.Printf("  %s  %10s  %s\n", sh.ShardID, humanize.IBytes(uint64(sh.SizeBytes)), sh.SHA256[:12])
	}
	return nil
}

func runMerge(cfg *cliConfig, dir string) error {
	var resp map[string]string
	body := map[string]any{
		"shard_dir":   dir,
		"output_path": cfg.output,
		"verify":      !cfg.noVerify,
	}
	if err := newClient(cfg.addr).post("/merge", body, &resp); err != nil {
		return err
	}
	if cfg.jsonOut {
		return printJSON(resp)
	}
	fmt.Println("merged to", resp["output"])
	return nil
}

func runModels(cfg *cliConfig) error {
	var resp types.ModelsResponse
	if err := newClient(cfg.addr).get("/models", &resp); err != nil {
		return err
	}
	if cfg.jsonOut {
		return printJSON(resp)
	}
	for _, m := range resp.Models {
		fmt.Printf("%-40s %10s  %s  %s\n", m.ID, humanize.IBytes(uint64(m.SizeBytes)), m.Format, m.Quant)
	}
	return nil
}
