package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"chromalign/internal/config"
	"chromalign/internal/pipeline"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/synth"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chromalign",
		Short: "Chromatic offset alignment for microscopy stacks",
		Long: `chromalign estimates the sub-pixel translation between a reference and a
target image stack by phase correlation, lets you refine it by hand, and
writes the target stack shifted into register with its dtype preserved.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSessionsCmd(root))
	rootCmd.AddCommand(newSynthCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func validateProjection(mode string) error {
	if mode == "" {
		return nil
	}
	_, err := stack.ParseProjectionMode(mode)
	return err
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		output     string
		manualOnly bool
		dx, dy     float64
		projection string
		frameIndex int
	)

	cmd := &cobra.Command{
		Use:   "align <reference> <target> [output_dir]",
		Short: "Register a target stack against a reference and write it aligned",
		Long: `Estimate the shift between the two stacks, add the optional manual offset
(--dx/--dy) and write the shifted target stack as one TIFF per frame.
A stack is a multi-frame TIFF's first page or a directory of frame TIFFs.

Examples:
  chromalign align ref_dir/ green_dir/ aligned/
  chromalign align ref.tif target.tif --manual-only --dx 2.5 --dy -1`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 2 {
				output = args[2]
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if err := validateProjection(projection); err != nil {
				return err
			}

			opts := map[string]any{
				"manual_only": manualOnly,
				"dx":          dx,
				"dy":          dy,
				"source":      "cli",
			}
			if projection != "" {
				opts["projection"] = projection
			}
			if cmd.Flags().Changed("frame-index") {
				opts["frame_index"] = frameIndex
			}

			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("align"),
				Type:      pipeline.JobAlign,
				Reference: args[0],
				Target:    args[1],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Aligned stack written to %s\n", output)
			fmt.Print(formatMeta(res.Meta))
			if n, _ := res.Meta["clamp_warnings"].(int); n > 0 {
				fmt.Printf("Warning: samples were clamped in %d frame(s)\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for aligned frames")
	cmd.Flags().BoolVar(&manualOnly, "manual-only", false, "skip registration and apply only --dx/--dy")
	cmd.Flags().Float64Var(&dx, "dx", 0, "manual x offset in pixels, added to the estimate")
	cmd.Flags().Float64Var(&dy, "dy", 0, "manual y offset in pixels, added to the estimate")
	cmd.Flags().StringVarP(&projection, "projection", "p", "", "projection used for registration (max|frame), config default if empty")
	cmd.Flags().IntVar(&frameIndex, "frame-index", 0, "frame used by --projection frame")

	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		projection string
		frameIndex int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "register <reference> <target>",
		Short: "Estimate the shift between two stacks without writing anything",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateProjection(projection); err != nil {
				return err
			}
			opts := map[string]any{"source": "cli"}
			if projection != "" {
				opts["projection"] = projection
			}
			if cmd.Flags().Changed("frame-index") {
				opts["frame_index"] = frameIndex
			}

			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("reg"),
				Type:      pipeline.JobRegister,
				Reference: args[0],
				Target:    args[1],
				Options:   opts,
			})
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(res.Meta, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("Shift: dx=%.4f dy=%.4f\n", res.Meta["dx"], res.Meta["dy"])
			fmt.Printf("Confidence: %.2f\n", res.Meta["confidence"])
			if ambiguous, _ := res.Meta["ambiguous"].(bool); ambiguous {
				fmt.Println("Warning: correlation peak is ambiguous; try --projection frame or check the inputs")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&projection, "projection", "p", "", "projection used for registration (max|frame)")
	cmd.Flags().IntVar(&frameIndex, "frame-index", 0, "frame used by --projection frame")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr        string
		watchInputs bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket alignment server",
		Long: `Start an HTTP server exposing interactive alignment sessions, PNG previews,
a WebSocket event stream per session and the batch job queue.

Examples:
  chromalign serve --addr :8080
  chromalign serve --watch-inputs   # restart registration when inputs change`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("watch-inputs") {
				cfg.Server.WatchInputs = watchInputs
			}

			realPipeline, _ := root.pipeline.(*pipeline.Pipeline)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("server ready",
				"addr", cfg.Server.Addr,
				"endpoints", []string{"/healthz", "/jobs", "/stream", "/sessions"},
			)
			return root.serveFn(ctx, &cfg, root.store, realPipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().BoolVar(&watchInputs, "watch-inputs", root.cfg.Server.WatchInputs, "re-register sessions when their input files change")

	return cmd
}

func newSessionsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded alignment sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentSessions(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No sessions recorded")
				return nil
			}
			for _, rec := range recs {
				dx, dy := rec.AutoDX+rec.ManualDX, rec.AutoDY+rec.ManualDY
				fmt.Printf("%s  %-16s dx=%8.3f dy=%8.3f  %s -> %s\n", rec.ID, rec.Status, dx, dy, rec.ReferencePath, rec.TargetPath)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session and its exports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := root.store.Session(args[0])
			if err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			fmt.Printf("Session:    %s\n", rec.ID)
			fmt.Printf("Status:     %s\n", rec.Status)
			fmt.Printf("Reference:  %s\n", rec.ReferencePath)
			fmt.Printf("Target:     %s\n", rec.TargetPath)
			fmt.Printf("Auto:       (%.4f, %.4f)\n", rec.AutoDX, rec.AutoDY)
			fmt.Printf("Manual:     (%.4f, %.4f)\n", rec.ManualDX, rec.ManualDY)
			fmt.Printf("Confidence: %.2f (ambiguous: %t)\n", rec.Confidence, rec.Ambiguous)
			if rec.Error != "" {
				fmt.Printf("Error:      %s\n", rec.Error)
			}
			exports, err := root.store.Exports(rec.ID)
			if err != nil {
				return err
			}
			for _, e := range exports {
				fmt.Printf("Export:     %s (%d frames, shift %.4f, %.4f, %d clamp warnings)\n", e.OutputDir, e.Frames, e.DX, e.DY, e.ClampWarnings)
			}
			return nil
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func newSynthCmd(root *Root) *cobra.Command {
	var (
		width, height int
		frames        int
		dtype         string
		dx, dy        float64
		seed          int64
	)

	cmd := &cobra.Command{
		Use:   "synth <output_dir>",
		Short: "Write a synthetic reference/target pair with a known shift",
		Long: `Generate band-limited random stacks where the target is the reference
displaced by exactly (--dx, --dy). Useful to check a setup end to end:

  chromalign synth /tmp/cal --dx 3.37 --dy -1.82
  chromalign register /tmp/cal/reference /tmp/cal/target`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := stack.ParseDType(dtype)
			if err != nil {
				return err
			}
			if width < 8 || height < 8 || frames < 1 {
				return fmt.Errorf("synth: need at least 8x8 pixels and one frame")
			}
			shift := stack.ShiftVector{DX: dx, DY: dy}
			ref, target, err := synth.Stacks(synth.Params{Width: width, Height: height, DType: dt, Seed: seed}, frames, shift)
			if err != nil {
				return err
			}

			exp := root.exporter("frame")
			for name, s := range map[string]*stack.Stack{"reference": ref, "target": target} {
				dir := filepath.Join(args[0], name)
				if _, err := exp.Export(cmd.Context(), s, dir); err != nil {
					return fmt.Errorf("write %s: %w", name, err)
				}
			}
			fmt.Printf("Wrote %s reference and target (%d frames, %dx%d, %s) with shift %s\n", args[0], frames, width, height, dt, shift)
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 256, "frame width")
	cmd.Flags().IntVar(&height, "height", 256, "frame height")
	cmd.Flags().IntVar(&frames, "frames", 3, "frames per stack")
	cmd.Flags().StringVar(&dtype, "dtype", "uint16", "sample type (uint8|uint16)")
	cmd.Flags().Float64Var(&dx, "dx", 3.37, "x displacement of the target")
	cmd.Flags().Float64Var(&dy, "dy", -1.82, "y displacement of the target")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}
