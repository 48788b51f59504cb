// Command checkout-sim replays a detection script through the full event
// pipeline offline: debounced events, cart contents, and the settled
// transaction for every scripted customer are printed to stdout. Useful for
// tuning debounce parameters without cameras or a store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/visionkarts/checkout/internal/billing"
	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/config"
	"github.com/visionkarts/checkout/internal/fusion"
	"github.com/visionkarts/checkout/internal/ingest"
	"github.com/visionkarts/checkout/internal/pipeline"
	"github.com/visionkarts/checkout/internal/session"
	"github.com/visionkarts/checkout/internal/store"
	"github.com/visionkarts/checkout/internal/timeutil"
	"github.com/visionkarts/checkout/internal/vision"
)

var (
	scriptPath = flag.String("script", "fixtures/demo.script", "Detection script to replay")
	tuningPath = flag.String("tuning", "", "Path to tuning config JSON")
	frameStep  = flag.Duration("frame-step", 200*time.Millisecond, "Simulated time between frames")
	keepDB     = flag.Bool("keep-db", false, "Keep the simulation database file instead of deleting it")
)

var simPrices = map[string]int64{
	"kitkat":  149,
	"pepsi":   199,
	"granola": 329,
	"water":   99,
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	f, err := os.Open(*scriptPath)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}
	frames, err := ingest.ParseScript(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to parse script: %w", err)
	}

	tuning := config.EmptyTuningConfig()
	if *tuningPath != "" {
		tuning, err = config.LoadTuningConfig(*tuningPath)
		if err != nil {
			return fmt.Errorf("failed to load tuning config: %w", err)
		}
	}

	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("checkout-sim-%d.db", os.Getpid()))
	db, err := store.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		db.Close()
		if *keepDB {
			fmt.Printf("\nsimulation database kept at %s\n", dbPath)
			return
		}
		os.Remove(dbPath)
	}()

	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC))
	carts := cart.NewStore(clock)
	sessions := session.NewManager(clock, carts, tuning.GetInactivityTimeout())
	biller := billing.NewStaticBiller(simPrices)
	finalizer := session.NewFinalizer(sessions, carts, biller, db, clock)
	reconciler := fusion.NewReconciler(tuning.GetSensorTolerance(), tuning.GetMinSensorDelta())

	pipe := pipeline.New(tuning, carts, sessions, reconciler, db)

	// Every scripted customer gets a session before replay starts so their
	// events land in an open cart.
	var customers []string
	seen := make(map[string]bool)
	for _, camFrames := range frames {
		for _, fr := range camFrames {
			if fr.CustomerID != "" && !seen[fr.CustomerID] {
				seen[fr.CustomerID] = true
				customers = append(customers, fr.CustomerID)
			}
		}
	}
	sort.Strings(customers)
	for _, c := range customers {
		if _, err := sessions.Create(c); err != nil {
			return fmt.Errorf("failed to open session for %s: %w", c, err)
		}
	}

	replay(pipe, tuning, frames, clock, *frameStep)
	pipe.Close()

	ctx := context.Background()

	events, err := db.ProductEvents(ctx, "", 1000)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	fmt.Printf("=== events (%d) ===\n", len(events))
	for _, ev := range events {
		fmt.Printf("%s  %-8s %-10s %-12s %s (%.2f)\n",
			ev.CommittedAt.Format("15:04:05.000"), ev.Kind, ev.Label, ev.CustomerID, ev.Verification, ev.Confidence)
	}

	fmt.Printf("\n=== settlement ===\n")
	for _, c := range customers {
		sess, err := sessions.ForCustomer(c)
		if err != nil {
			return fmt.Errorf("no session for %s: %w", c, err)
		}
		if err := sessions.MarkExiting(sess.ID); err != nil {
			return fmt.Errorf("failed to mark %s exiting: %w", c, err)
		}
		txn, err := finalizer.Finalize(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("failed to finalize %s: %w", c, err)
		}
		fmt.Printf("%s: transaction %s\n", c, txn.ID)
		for _, line := range txn.Lines {
			fmt.Printf("  %dx %-10s %6.2f\n", line.Quantity, line.Label, float64(line.LineTotalCent)/100)
		}
		fmt.Printf("  total %.2f\n", float64(txn.TotalCent)/100)
	}
	return nil
}

// replay feeds every scripted frame through a per-camera normalizer into
// the pipeline, round-robin across cameras with the mock clock advancing
// one frame step per round.
func replay(pipe *pipeline.Pipeline, tuning *config.TuningConfig, frames map[string][]ingest.ScriptFrame, clock *timeutil.MockClock, step time.Duration) {
	type camera struct {
		id         string
		player     *ingest.ScriptPlayer
		normalizer *vision.Normalizer
	}

	var cameras []camera
	for id, camFrames := range frames {
		normCfg := vision.DefaultNormalizerConfig()
		normCfg.IoUThreshold = tuning.GetIoUThreshold()
		normCfg.MaxMissedFrames = tuning.GetMaxMissedFrames()
		normCfg.ConfidenceWindow = tuning.GetConfidenceWindow()
		cameras = append(cameras, camera{
			id:         id,
			player:     ingest.NewScriptPlayer(id, camFrames, clock),
			normalizer: vision.NewNormalizer(id, normCfg),
		})
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].id < cameras[j].id })

	ctx := context.Background()
	live := len(cameras)
	done := make([]bool, len(cameras))
	for live > 0 {
		for i, cam := range cameras {
			if done[i] {
				continue
			}
			frame, err := cam.player.Grab(ctx)
			if err != nil {
				done[i] = true
				live--
				continue
			}
			detections, _ := cam.player.Detect(ctx, frame)
			customerID, _ := cam.player.ResolveIdentity(ctx, frame)
			tracked := cam.normalizer.Observe(detections, frame.CapturedAt)
			if customerID == "" {
				continue
			}
			pipe.Submit(ingest.Batch{
				CameraID:   cam.id,
				CustomerID: customerID,
				Tracked:    tracked,
				FrameAt:    frame.CapturedAt,
			})
		}
		clock.Advance(step)
	}
}
