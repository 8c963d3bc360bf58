package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"chromalign/internal/config"
	"chromalign/internal/logging"
	"chromalign/internal/pipeline"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/synth"
	"chromalign/internal/tiffio"
)

func main() {
	fmt.Println("🔍 Testing registration + export end to end")

	workDir, err := os.MkdirTemp("", "chromalign-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	defer os.RemoveAll(workDir)

	store, err := storage.New(filepath.Join(workDir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	// Write a synthetic pair with a known displacement
	want := stack.ShiftVector{DX: 3.37, DY: -1.82}
	ref, target, err := synth.Stacks(synth.Params{Width: 256, Height: 256, DType: stack.Uint16, Seed: 7}, 3, want)
	if err != nil {
		log.Fatal("Failed to synthesize stacks:", err)
	}
	exp := tiffio.TIFFExporter{Prefix: "frame", Compression: "deflate"}
	refDir, targetDir := filepath.Join(workDir, "reference"), filepath.Join(workDir, "target")
	if _, err := exp.Export(context.Background(), ref, refDir); err != nil {
		log.Fatal("Failed to write reference:", err)
	}
	if _, err := exp.Export(context.Background(), target, targetDir); err != nil {
		log.Fatal("Failed to write target:", err)
	}
	fmt.Printf("✅ Wrote synthetic stacks with shift %s\n", want)

	cfg := config.Default()
	cfg.Paths.DefaultOutput = filepath.Join(workDir, "aligned")
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pipe := pipeline.New(ctx, logger, store, cfg)
	defer pipe.Stop()

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	regID, err := pipe.Submit(pipeline.Job{Type: pipeline.JobRegister, Reference: refDir, Target: targetDir})
	if err != nil {
		log.Fatal("Failed to submit register job:", err)
	}
	res := waitFor(ctx, results, regID)
	dx, _ := res.Meta["dx"].(float64)
	dy, _ := res.Meta["dy"].(float64)
	fmt.Printf("📊 Estimated shift: dx=%.3f dy=%.3f (confidence %.2f)\n", dx, dy, res.Meta["confidence"])
	if math.Abs(dx-want.DX) > 0.05 || math.Abs(dy-want.DY) > 0.05 {
		log.Fatalf("❌ Estimate off by more than 0.05 px (want %s)", want)
	}

	alignID, err := pipe.Submit(pipeline.Job{
		Type:      pipeline.JobAlign,
		Reference: refDir,
		Target:    targetDir,
		Output:    cfg.Paths.DefaultOutput,
		Options:   map[string]any{"dx": 0.25},
	})
	if err != nil {
		log.Fatal("Failed to submit align job:", err)
	}
	res = waitFor(ctx, results, alignID)
	fmt.Printf("✅ Align job finished: %v\n", res.Meta)

	aligned, err := tiffio.LoadStack(cfg.Paths.DefaultOutput)
	if err != nil {
		log.Fatal("Failed to load aligned stack:", err)
	}
	if aligned.Len() != target.Len() || aligned.DType() != target.DType() {
		log.Fatalf("❌ Aligned stack %s does not match target %s", aligned, target)
	}

	exports, err := store.Exports(alignID)
	if err != nil {
		log.Fatal("Failed to read export history:", err)
	}
	fmt.Printf("📊 Export history: %d record(s)\n", len(exports))
	for _, e := range exports {
		fmt.Printf("   %s: %d frames, shift (%.3f, %.3f), %d clamp warnings\n", e.OutputDir, e.Frames, e.DX, e.DY, e.ClampWarnings)
	}

	jobs, err := store.RecentJobs(10)
	if err != nil {
		log.Fatal("Failed to read job history:", err)
	}
	for _, j := range jobs {
		fmt.Printf("   job %s (%s): %s\n", j.ID, j.JobType, j.Status)
	}

	fmt.Println("✅ Integration test completed successfully")
}

func waitFor(ctx context.Context, results <-chan pipeline.Result, id string) pipeline.Result {
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("❌ Timed out waiting for job %s", id)
		case res, ok := <-results:
			if !ok {
				log.Fatalf("❌ Pipeline stopped before job %s finished", id)
			}
			if res.Job.ID != id {
				continue
			}
			if res.Error != nil {
				log.Fatalf("❌ Job %s failed: %v", id, res.Error)
			}
			return res
		}
	}
}
