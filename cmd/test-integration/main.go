package main

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"faceforge/internal/batch"
	"faceforge/internal/blob"
	"faceforge/internal/engine"
	"faceforge/internal/logging"
	"faceforge/internal/mapping"
	"faceforge/internal/pipeline"
	"faceforge/internal/registry"
	"faceforge/internal/storage"
	"faceforge/internal/sweeper"
	"faceforge/internal/tasks"
)

// stubAnalyzer reports two fixed faces on any image.
type stubAnalyzer struct{}

func (stubAnalyzer) DetectAndClassify(ctx context.Context, image []byte) ([]engine.FaceObservation, error) {
	return []engine.FaceObservation{
		{Index: 0, Box: engine.BoundingBox{X: 4, Y: 4, Width: 16, Height: 16}, Gender: engine.GenderMale, Confidence: 0.97},
		{Index: 1, Box: engine.BoundingBox{X: 32, Y: 4, Width: 16, Height: 16}, Gender: engine.GenderFemale, Confidence: 0.94},
	}, nil
}

// stubSwapper passes the target through unchanged.
type stubSwapper struct{}

func (stubSwapper) Swap(ctx context.Context, sourceFace, target []byte, targetFaceIndex int) ([]byte, error) {
	return target, nil
}

func pngImage(c color.NRGBA) []byte {
	img := imaging.New(64, 64, c)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		log.Fatal("encode test image:", err)
	}
	return buf.Bytes()
}

func main() {
	fmt.Println("🔍 Testing Faceforge End-to-End Workflow")

	ctx := context.Background()
	logger := logging.New("info", "text")
	clk := clock.New()

	dir, err := os.MkdirTemp("", "faceforge-integration")
	if err != nil {
		log.Fatal("Failed to create temp dir:", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(filepath.Join(dir, "test_integration.db"), clk)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	blobs := blob.NewFS(filepath.Join(dir, "blobs"))

	reg := registry.New(store, blobs, clk, time.Hour, logger)
	pre := tasks.NewPreprocessor(store, reg, blobs, stubAnalyzer{}, logger)
	exec := tasks.NewExecutor(store, reg, blobs, stubAnalyzer{}, stubSwapper{}, logger)

	pipe := pipeline.New(ctx, 2, 16, logger, pre, exec)
	defer pipe.Stop()

	results, unsub := pipe.Subscribe()
	defer unsub()

	fmt.Println("✅ Components wired")

	// Register donor photos and pair them
	first, err := reg.Register(ctx, pngImage(color.NRGBA{R: 200, A: 255}), storage.RoleSourcePhoto, storage.LifetimeTemporary, "integration")
	if err != nil {
		log.Fatal("Failed to register first source:", err)
	}
	second, err := reg.Register(ctx, pngImage(color.NRGBA{G: 200, A: 255}), storage.RoleSourcePhoto, storage.LifetimeTemporary, "integration")
	if err != nil {
		log.Fatal("Failed to register second source:", err)
	}
	pair, err := reg.RegisterPair(ctx, first.ID, second.ID, "integration")
	if err != nil {
		log.Fatal("Failed to register pair:", err)
	}
	fmt.Printf("📷 Source pair registered: %s\n", pair.ID)

	// Register templates and preprocess them
	var templateIDs []string
	for i := 0; i < 3; i++ {
		res, err := reg.Register(ctx, pngImage(color.NRGBA{B: uint8(80 + i*40), A: 255}), storage.RoleTemplateOriginal, storage.LifetimePermanent, "integration")
		if err != nil {
			log.Fatal("Failed to register template image:", err)
		}
		tpl, err := store.CreateTemplate(fmt.Sprintf("scene-%d", i+1), res.ID)
		if err != nil {
			log.Fatal("Failed to create template:", err)
		}
		if _, err := pre.Submit(tpl.ID); err != nil {
			log.Fatal("Failed to submit preprocessing:", err)
		}
		templateIDs = append(templateIDs, tpl.ID)
	}

	waitFor(results, pipeline.JobPreprocess, len(templateIDs))
	for _, id := range templateIDs {
		tpl, err := store.GetTemplate(id)
		if err != nil {
			log.Fatal("Failed to load template:", err)
		}
		fmt.Printf("🎭 Template %s: %s, %d face(s)\n", tpl.Name, tpl.Preprocessing, len(tpl.Faces))
	}

	// Create a batch over all templates with the default mapping
	orch := batch.New(store, pipe, clk, logger)
	b, err := orch.Create(ctx, pair.ID, templateIDs, mapping.Spec{UseDefault: true})
	if err != nil {
		log.Fatal("Failed to create batch:", err)
	}
	fmt.Printf("📦 Batch created: %s with %d template(s)\n", b.ID, len(b.TemplateIDs))

	waitFor(results, pipeline.JobSwap, len(templateIDs))

	st, err := orch.Status(ctx, b.ID)
	if err != nil {
		log.Fatal("Failed to read batch status:", err)
	}
	fmt.Printf("📊 Batch Status:\n")
	fmt.Printf("   State: %s\n", st.State)
	fmt.Printf("   Progress: %.2f%%\n", st.ProgressPercent)
	fmt.Printf("   Completed: %d/%d\n", st.CompletedTasks, st.TotalTasks)

	items, err := orch.CollectResults(ctx, b.ID)
	if err != nil {
		log.Fatal("Failed to collect results:", err)
	}
	entries, err := orch.BuildArchiveEntries(ctx, blobs, items)
	if err != nil {
		log.Fatal("Failed to build archive entries:", err)
	}
	var zipBuf bytes.Buffer
	if err := batch.WriteArchive(ctx, &zipBuf, entries, clk.Now()); err != nil {
		log.Fatal("Failed to write archive:", err)
	}
	fmt.Printf("🗜️  Results archive: %d entries, %d bytes\n", len(entries), zipBuf.Len())

	// Run the reclamation sweeps
	sw := sweeper.New(store, blobs, clk, logger)
	rep, err := sw.SweepAll(ctx, time.Hour, true)
	if err != nil {
		log.Fatal("Failed to run sweeps:", err)
	}
	fmt.Printf("🧹 Dry-run sweep would reclaim %d item(s), %d bytes\n", rep.DeletedCount, rep.ReclaimedBytes)

	fmt.Println("✅ Integration test completed")
}

func waitFor(results <-chan pipeline.Result, kind pipeline.JobKind, n int) {
	deadline := time.After(30 * time.Second)
	seen := 0
	for seen < n {
		select {
		case res := <-results:
			if res.Job.Kind != kind {
				continue
			}
			seen++
			if res.Error != nil {
				fmt.Printf("⚠️  %s job %s failed: %v\n", kind, res.Job.ID, res.Error)
			}
		case <-deadline:
			log.Fatalf("Timed out waiting for %d %s job(s), saw %d", n, kind, seen)
		}
	}
}
