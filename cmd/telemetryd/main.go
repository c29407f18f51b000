package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/navixy/telemetry-broker/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "telemetryd",
		Usage: "Ingest fleet GPS tracker telemetry and serve the fused HTTP read API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Category: "server",
				Name:     "tcp.listen",
				Aliases:  []string{"tcp"},
				Value:    ":15027",
				Sources:  cli.EnvVars("TELEMETRY_TCP_LISTEN"),
				Usage:    "`ADDRESS` the AVL TCP server binds to",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "http.listen",
				Aliases:  []string{"listen", "l"},
				Value:    ":8768",
				Sources:  cli.EnvVars("TELEMETRY_HTTP_LISTEN"),
				Usage:    "`ADDRESS` the HTTP read API binds to",
			},
			&cli.DurationFlag{
				Category: "inference",
				Name:     "inference.pair-seconds",
				Value:    60 * time.Second,
				Sources:  cli.EnvVars("TELEMETRY_PAIR_SEC"),
				Usage:    "Continuous-pairing duration before a beacon is considered paired",
			},
			&cli.Float64Flag{
				Category: "inference",
				Name:     "inference.drift-meters",
				Value:    30,
				Sources:  cli.EnvVars("TELEMETRY_DRIFT_M"),
				Usage:    "GPS-drift suppression radius in meters",
			},
			&cli.DurationFlag{
				Category: "inference",
				Name:     "inference.gap-seconds",
				Value:    300 * time.Second,
				Sources:  cli.EnvVars("TELEMETRY_GAP_SEC"),
				Usage:    "Sighting gap after which a jump is eligible to re-anchor",
			},
			&cli.Float64Flag{
				Category: "inference",
				Name:     "inference.jump-meters",
				Value:    100,
				Sources:  cli.EnvVars("TELEMETRY_JUMP_M"),
				Usage:    "Minimum distance after a gap that counts as a carrier jump",
			},
			&cli.Float64Flag{
				Category: "inference",
				Name:     "inference.stop-kmh",
				Value:    5,
				Sources:  cli.EnvVars("TELEMETRY_STOP_KMH"),
				Usage:    "Speed below which a carrier counts as stationary",
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "storage.path",
				Aliases:  []string{"db"},
				Value:    "./data/telemetry.buntdb",
				Sources:  cli.EnvVars("TELEMETRY_STORAGE_PATH"),
				Usage:    "Path to the BuntDB database file (created if missing)",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing.endpoint",
				Aliases:  []string{"tracing", "t"},
				Value:    "",
				Sources:  cli.EnvVars("TELEMETRY_TRACING_ENDPOINT"),
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces, empty disables exporting",
			},
			&cli.DurationFlag{
				Category: "server",
				Name:     "tcp.idle-timeout",
				Value:    5 * time.Minute,
				Sources:  cli.EnvVars("TELEMETRY_TCP_IDLE_TIMEOUT"),
				Usage:    "Per-socket idle read timeout for tracker connections",
			},
			&cli.BoolFlag{
				Category: "server",
				Name:     "frame.validate-crc",
				Value:    false,
				Sources:  cli.EnvVars("TELEMETRY_VALIDATE_CRC"),
				Usage:    "Validate the trailing CRC16/IBM on every AVL frame",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "metrics.enabled",
				Value:    true,
				Usage:    "Expose the Prometheus /metrics endpoint",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Sources:  cli.EnvVars("TELEMETRY_DEBUG"),
				Usage:    "Enable debug logging",
			},
		},
		Action: app.Run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
