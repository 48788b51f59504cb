// Command checkout runs the in-store checkout pipeline: camera ingest,
// event correlation, sensor fusion, carts, sessions, settlement, and the
// HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/visionkarts/checkout/internal/api"
	"github.com/visionkarts/checkout/internal/billing"
	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/config"
	"github.com/visionkarts/checkout/internal/fusion"
	"github.com/visionkarts/checkout/internal/ingest"
	"github.com/visionkarts/checkout/internal/pipeline"
	"github.com/visionkarts/checkout/internal/scalemux"
	"github.com/visionkarts/checkout/internal/session"
	"github.com/visionkarts/checkout/internal/store"
	"github.com/visionkarts/checkout/internal/timeutil"
	"github.com/visionkarts/checkout/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode: scripted cameras and a mock scale controller")
	listen     = flag.String("listen", "", "Listen address (overrides CHECKOUT_LISTEN)")
	scriptPath = flag.String("script", "fixtures/demo.script", "Detection script for dev mode cameras")
	zoneSpec   = flag.String("zones", "", "Camera shelf-zone sensors, e.g. 'cam-1=scale-1,scale-2;cam-2=scale-3'")
	noScales   = flag.Bool("disable-scales", false, "Run without shelf-scale hardware")
	tuningPath = flag.String("tuning", "", "Path to tuning config JSON (overrides CHECKOUT_TUNING)")
)

// demo price table used when no billing service URL is configured.
var demoPrices = map[string]int64{
	"kitkat":  149,
	"pepsi":   199,
	"granola": 329,
	"water":   99,
}

func main() {
	flag.Parse()

	log.Printf("checkout %s", version.String())

	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		log.Fatalf("failed to load service config: %v", err)
	}
	dev := *devMode || svcCfg.DevMode

	// Subcommands run to completion and exit.
	if flag.Arg(0) == "migrate" {
		store.RunMigrateCommand(flag.Args()[1:], svcCfg.DBPath)
		return
	}
	if *listen != "" {
		svcCfg.ListenAddr = *listen
	}
	if svcCfg.ListenAddr == "" {
		log.Fatal("Listen address is required")
	}

	if *tuningPath != "" {
		svcCfg.TuningPath = *tuningPath
	}
	tuning := config.EmptyTuningConfig()
	if svcCfg.TuningPath != "" {
		tuning, err = config.LoadTuningConfig(svcCfg.TuningPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	db, err := store.NewDB(svcCfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	migrationsFS, err := store.MigrationsFS()
	if err != nil {
		log.Fatalf("failed to load migrations: %v", err)
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	clock := timeutil.RealClock{}
	carts := cart.NewStore(clock)
	sessions := session.NewManager(clock, carts, tuning.GetInactivityTimeout())

	var biller billing.Biller
	if svcCfg.BillingURL != "" {
		biller = billing.NewHTTPBiller(svcCfg.BillingURL, nil)
	} else {
		biller = billing.NewStaticBiller(demoPrices)
	}

	finalizer := session.NewFinalizer(sessions, carts, biller, db, clock)
	sessions.SetTimeoutHandler(finalizer.HandleTimeout)

	reconciler := fusion.NewReconciler(tuning.GetSensorTolerance(), tuning.GetMinSensorDelta())
	zones, err := parseZones(*zoneSpec)
	if err != nil {
		log.Fatalf("failed to parse zones: %v", err)
	}
	for camera, sensors := range zones {
		reconciler.MapZone(camera, sensors...)
	}

	var scales scalemux.ScaleMuxer
	switch {
	case *noScales:
		scales = scalemux.NewDisabledScaleMux()
	case dev:
		scales = scalemux.NewMockScaleMux([]byte("scale-1,-0.045,0\n"))
	default:
		if svcCfg.ScalePort == "" {
			log.Fatal("Scale controller port is required (set CHECKOUT_SCALE_PORT or pass -disable-scales)")
		}
		var err error
		scales, err = scalemux.NewRealScaleMux(svcCfg.ScalePort, scalemux.PortOptions{})
		if err != nil {
			log.Fatalf("failed to open scale controller port: %v", err)
		}
		if err := scales.Initialize(); err != nil {
			log.Fatalf("failed to initialize scale controller: %v", err)
		}
	}
	defer scales.Close()

	pipe := pipeline.New(tuning, carts, sessions, reconciler, db)
	defer pipe.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the scale controller port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scales.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor scale controller: %v", err)
		}
		log.Print("scale monitor routine terminated")
	}()

	// subscribe to scale reading lines and feed them to the fusion layer
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := scales.Subscribe()
		defer scales.Unsubscribe(id)
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				reading, err := scalemux.ParseReading(line)
				if err != nil {
					// controllers interleave command acknowledgements
					continue
				}
				reconciler.Record(reading)
			case <-ctx.Done():
				log.Printf("scale subscribe routine terminated")
				return
			}
		}
	}()

	// session timeout sweep
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx, tuning.GetSweepInterval())
	}()

	// dev mode: scripted cameras drive the pipeline end to end
	if dev {
		f, err := os.Open(*scriptPath)
		if err != nil {
			log.Fatalf("failed to open detection script: %v", err)
		}
		scriptFrames, err := ingest.ParseScript(f)
		f.Close()
		if err != nil {
			log.Fatalf("failed to parse detection script: %v", err)
		}
		for cameraID, frames := range scriptFrames {
			player := ingest.NewScriptPlayer(cameraID, frames, clock)
			pipe.RunCamera(ctx, &wg, cameraID, player, player, player, clock)
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(sessions, finalizer, carts, db, tuning)
		mux := srv.ServeMux()

		// mount the admin debugging routes
		scales.AttachAdminRoutes(mux)
		db.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    svcCfg.ListenAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
