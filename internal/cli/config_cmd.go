package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate chromalign configuration",
	}

	var asYAML bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asYAML {
				data, err := yaml.Marshal(root.cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			}
			return root.configShow()
		},
	}
	showCmd.Flags().BoolVar(&asYAML, "yaml", false, "print the full configuration as YAML")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("CHROMALIGN_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/chromalign/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)

	a := r.cfg.Alignment
	fmt.Printf("\nAlignment:\n")
	fmt.Printf("  Projection: %s (frame index %d)\n", a.Projection, a.FrameIndex)
	fmt.Printf("  Upsample factor: %d\n", a.UpsampleFactor)
	fmt.Printf("  Refinement window: %d\n", a.Window)
	fmt.Printf("  Fill value: %g\n", a.FillValue)
	fmt.Printf("  Min confidence: %g\n", a.MinConfidence)
	fmt.Printf("  Settle delay: %s\n", r.cfg.SettleDelay())

	d := r.cfg.Display
	fmt.Printf("\nDisplay:\n")
	fmt.Printf("  Mode: %s (%g..%g percentile)\n", d.Mode, d.LowPercentile, d.HighPercentile)
	fmt.Printf("  Overlay colours: %s / %s\n", d.ReferenceColor, d.TargetColor)

	fmt.Printf("\nExport: prefix %q, compression %s\n", r.cfg.Export.Prefix, r.cfg.Export.Compression)
	fmt.Printf("Parallel Jobs: %d (queue %d)\n", r.cfg.Processing.ParallelJobs, r.cfg.Processing.QueueSize)
	fmt.Printf("Database Path: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("Default Output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("Log Level: %s (%s)\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	fmt.Printf("Server: %s (watch inputs: %t)\n", r.cfg.Server.Addr, r.cfg.Server.WatchInputs)
	return nil
}

func (r *Root) cmdVersion() {
	fmt.Printf("chromalign %s\n", Version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
}
