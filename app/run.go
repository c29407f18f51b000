package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/navixy/telemetry-broker/httpapi"
	"github.com/navixy/telemetry-broker/inference"
	"github.com/navixy/telemetry-broker/monitoring"
	"github.com/navixy/telemetry-broker/state"
	"github.com/navixy/telemetry-broker/storage"
	"github.com/navixy/telemetry-broker/tcpserver"
	"github.com/navixy/telemetry-broker/webhook"
)

// Run is the main CLI action. It opens the persistence adapter,
// rehydrates the State Store, starts the TCP Listener and the HTTP Read
// API, then waits for shutdown.
func Run(ctx context.Context, c *cli.Command) error {
	tcpListen := c.String("tcp.listen")
	httpListen := c.String("http.listen")
	storagePath := c.String("storage.path")
	tracingEndpoint := c.String("tracing.endpoint")
	enableMetrics := c.Bool("metrics.enabled")

	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	}

	shutdownTracer := monitoring.InitTracer(tracingEndpoint, "telemetry-broker")
	defer shutdownTracer()

	params := inference.Params{
		PairSec: c.Duration("inference.pair-seconds"),
		DriftM:  c.Float64("inference.drift-meters"),
		GapSec:  c.Duration("inference.gap-seconds"),
		JumpM:   c.Float64("inference.jump-meters"),
		StopKMH: c.Float64("inference.stop-kmh"),
	}

	bunt, err := storage.OpenBunt(storagePath)
	if err != nil {
		log.Printf("failed to open storage: %v", err)
		return err
	}
	persist := storage.LoggingAdapter{Inner: bunt}

	store := state.New()
	if defs, err := persist.LoadDefinitions(); err == nil {
		patterns, perr := persist.LoadStrictPatterns()
		if perr != nil {
			log.Printf("failed to load strict patterns: %v", perr)
		}
		store.LoadDefinitions(defs, patterns)
		monitoring.BeaconsKnown.Set(float64(len(defs)))
	}
	if beacons, err := persist.LoadBeaconState(); err == nil {
		store.LoadBeacons(beacons)
	}
	if scanners, err := persist.LoadScanners(); err == nil {
		store.LoadScanners(scanners)
	}

	tcpLn := tcpserver.NewListener(tcpListen, store, persist, params)
	tcpLn.IdleTimeout = c.Duration("tcp.idle-timeout")
	tcpLn.ValidateCRC = c.Bool("frame.validate-crc")
	tcpCtx, cancelTCP := context.WithCancel(ctx)
	tcpErrCh := make(chan error, 1)
	go func() {
		tcpErrCh <- tcpLn.Serve(tcpCtx)
	}()

	api := httpapi.New(store, persist, true)
	wh := webhook.NewHandler(store, persist, params)
	router := httpapi.NewRouter(api, wh, enableMetrics)

	log.Printf("tcp server listening on %s, http server listening on %s", tcpListen, httpListen)
	srv := &http.Server{
		Addr:              httpListen,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		cancelTCP()

		done := make(chan struct{})
		go func() {
			<-tcpErrCh
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Printf("tcp listener did not drain within shutdown window")
		}

		<-httpErrCh
		return bunt.Close()
	}

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received, shutting down...")
		return shutdown()
	case err := <-httpErrCh:
		cancelTCP()
		<-tcpErrCh
		_ = bunt.Close()
		return err
	case err := <-tcpErrCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-httpErrCh
		_ = bunt.Close()
		return err
	}
}
